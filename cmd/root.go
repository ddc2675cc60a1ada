// Package cmd defines and implements the CLI commands for the parcel-ingest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/config"
	"github.com/JakeFAU/parcel-ingest/internal/logging"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/server"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// App is the part of the application the commands use. Tests swap in a fake.
type App interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
	Sources() []parcel.SourceConfig
	DefaultSource() string
	Serve(ctx context.Context) error
	Close(ctx context.Context)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "parcel-ingest",
		Short: "Ingests county property appraiser records into a normalized parcel store.",
		Long: `parcel-ingest drives county Property Appraiser websites through search,
fetch, extract and normalize phases and upserts the results with full
provenance. Run it as an HTTP service (serve) or one-shot (ingest).`,
		SilenceUsage: true,

		// Loads config and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PARCEL_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSourcesCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// buildApp resolves the runtime and constructs the application.
func buildApp(ctx context.Context) (App, *runtime, error) {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	app, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
