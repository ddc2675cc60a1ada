package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
)

const parcelLinePrefix = "parcel:"

type ingestOptions struct {
	source      string
	address     string
	parcelID    string
	file        string
	force       bool
	concurrency int
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingests one property, or a file of properties, and prints JSON results",
		Long: `Runs the ingestion pipeline synchronously. Either pass --address or
--parcel-id for a single property, or --file with one target per line.
File lines are addresses unless prefixed with "parcel:"; blank lines and
lines starting with # are ignored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.source, "source", "", "source key (default source when empty)")
	cmd.Flags().StringVar(&opts.address, "address", "", "situs address to look up")
	cmd.Flags().StringVar(&opts.parcelID, "parcel-id", "", "parcel id to look up")
	cmd.Flags().StringVar(&opts.file, "file", "", "file of targets, one per line")
	cmd.Flags().BoolVar(&opts.force, "force", false, "store even when the fetched page is unchanged")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 2, "concurrent requests when --file is used")
	return cmd
}

func runIngest(cmd *cobra.Command, opts ingestOptions) error {
	reqs, err := ingestRequests(opts)
	if err != nil {
		return err
	}
	app, rt, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close(cmd.Context())

	results := ingestAll(cmd.Context(), app, reqs, opts.concurrency)

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if res.Status == pipeline.StatusFailed {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	rt.logger.Info("ingest finished", zap.Int("requests", len(reqs)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(reqs))
	}
	return nil
}

// ingestAll runs reqs with bounded concurrency and returns results in input order.
func ingestAll(ctx context.Context, runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}, reqs []pipeline.Request, concurrency int,
) []pipeline.Result {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]pipeline.Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = runner.Run(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func ingestRequests(opts ingestOptions) ([]pipeline.Request, error) {
	base := pipeline.Request{SourceKey: opts.source, Force: opts.force, Trigger: "cli"}
	if opts.file == "" {
		req := base
		req.Address = opts.address
		req.ParcelID = opts.parcelID
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("one of --address, --parcel-id or --file is required: %w", err)
		}
		return []pipeline.Request{req}, nil
	}
	if opts.address != "" || opts.parcelID != "" {
		return nil, fmt.Errorf("--file cannot be combined with --address or --parcel-id")
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()
	return parseBatch(f, base)
}

func parseBatch(r io.Reader, base pipeline.Request) ([]pipeline.Request, error) {
	var reqs []pipeline.Request
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req := base
		if id, ok := strings.CutPrefix(line, parcelLinePrefix); ok {
			req.ParcelID = strings.TrimSpace(id)
		} else {
			req.Address = line
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch file has no targets")
	}
	return reqs, nil
}
