// Package dispatcher fans batch ingestion requests out to a worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/clock/system"
	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/queue"
	"github.com/JakeFAU/parcel-ingest/internal/worker"
)

// Config sizes the worker pool.
type Config struct {
	Workers int
}

// Dispatcher owns the queue and the workers draining it. It remembers which
// run IDs are queued but not yet started.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	ids     parcel.IDGenerator
	clock   parcel.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a Dispatcher with cfg.Workers workers running requests through runner.
func New(q queue.Queue, runner worker.Runner, cfg Config, ids parcel.IDGenerator, clock parcel.Clock, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	d := &Dispatcher{
		queue:   q,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
		pending: map[string]struct{}{},
	}
	tracked := trackingRunner{next: runner, d: d}
	for i := range cfg.Workers {
		d.workers = append(d.workers, worker.New(i+1, q, tracked, clock, logger))
	}
	return d
}

// Run starts all workers and blocks until they exit.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue assigns a run ID to req and queues it without blocking.
func (d *Dispatcher) Enqueue(req pipeline.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return d.enqueue(req)
}

// EnqueueBatch validates every request before queueing any of them. On a full
// queue it returns the run IDs accepted so far with the error.
func (d *Dispatcher) EnqueueBatch(reqs []pipeline.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, parcel.NewError(parcel.CodeInvalidRequest, "enqueue batch", "at least one request is required")
	}
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, parcel.WrapError(parcel.CodeInvalidRequest, fmt.Sprintf("enqueue batch item %d", i), err)
		}
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := d.enqueue(req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *Dispatcher) enqueue(req pipeline.Request) (string, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	req.RunID = id
	if req.Trigger == "" {
		req.Trigger = "batch"
	}
	d.mu.Lock()
	d.pending[id] = struct{}{}
	d.mu.Unlock()

	if err := d.queue.TryEnqueue(queue.Item{Request: req, EnqueuedAt: d.clock.Now()}); err != nil {
		d.started(id)
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	return id, nil
}

// Pending reports whether runID is queued and not yet picked up.
func (d *Dispatcher) Pending(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[runID]
	return ok
}

// Depth reports the number of waiting requests.
func (d *Dispatcher) Depth() int {
	return d.queue.Len()
}

// Close stops accepting new requests.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) started(runID string) {
	d.mu.Lock()
	delete(d.pending, runID)
	d.mu.Unlock()
}

type trackingRunner struct {
	next worker.Runner
	d    *Dispatcher
}

func (t trackingRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Result {
	t.d.started(req.RunID)
	return t.next.Run(ctx, req)
}
