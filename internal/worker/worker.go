// Package worker runs queued ingestion requests through the pipeline.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/queue"
)

// Runner executes one ingestion request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Worker consumes queue items until its context ends or the queue closes.
type Worker struct {
	id     int
	queue  queue.Queue
	runner Runner
	clock  parcel.Clock
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, runner Runner, clock parcel.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  q,
		runner: runner,
		clock:  clock,
		logger: logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	req := item.Request
	if req.Trigger == "" {
		req.Trigger = "batch"
	}
	logger := w.logger.With(zap.String("run_id", req.RunID), zap.String("source", req.SourceKey))
	if w.clock != nil && !item.EnqueuedAt.IsZero() {
		logger.Debug("dequeued request", zap.Duration("waited", w.clock.Now().Sub(item.EnqueuedAt)))
	}

	started := time.Now()
	res := w.runner.Run(ctx, req)
	metrics.ObserveJob(string(res.Status))

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Duration("duration", time.Since(started)),
	}
	switch res.Status {
	case pipeline.StatusFailed:
		logger.Error("batch request failed", append(fields, zap.String("error_code", string(res.ErrorCode)), zap.String("error", res.Error))...)
	case pipeline.StatusPartial:
		logger.Warn("batch request partially stored", append(fields, zap.String("error", res.Error))...)
	default:
		logger.Info("batch request finished", append(fields, zap.String("parcel_id", res.ParcelID))...)
	}
}
