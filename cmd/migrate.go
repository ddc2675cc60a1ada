package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/config"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	pgstore "github.com/JakeFAU/parcel-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/parcel-ingest/internal/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the parcel schema to the configured database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), rt.cfg.Storage, rt.logger)
		},
	}
}

func migrate(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) error {
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.DSN == "" {
			return parcel.NewError(parcel.CodeConfigMissing, "migrate", "storage.dsn is required")
		}
		version, dirty, err := pgstore.Migrate(cfg.DSN)
		if err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	case config.BackendSQLite:
		store, err := sqlitestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		store.Close()
		logger.Info("sqlite schema up to date", zap.String("path", cfg.SQLitePath))
		return nil
	default:
		return parcel.NewError(parcel.CodeConfigMissing, "migrate",
			fmt.Sprintf("storage backend %q has no schema to migrate", cfg.Backend))
	}
}
