package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 200
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats is a point-in-time view of hub throughput.
type Stats struct {
	Accepted int64
	Dropped  int64
	Flushes  int64
}

// Hub batches pipeline events and fans each batch out to every sink in
// parallel. Emit never blocks; a full buffer drops the event. A RUN_END
// event closes out the pending batch so a finished run's steps reach the
// sinks without waiting for the batch timer.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropLog  rate.Sometimes
	accepted atomic.Int64
	dropped  atomic.Int64
	pending  atomic.Int64
	flushes  atomic.Int64
	closing  atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts the batching goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = withDefaults(cfg)
	h := &Hub{
		cfg:     cfg,
		events:  make(chan Event, cfg.BufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  cfg.Logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

func withDefaults(cfg Config) Config {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Emit enqueues evt. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		h.pending.Add(1)
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress buffer full, events dropped",
				zap.Int64("since_last_warning", h.pending.Swap(0)),
				zap.Int("buffer", cap(h.events)))
		})
	}
}

// Stats reports counters accumulated since the hub started.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted: h.accepted.Load(),
		Dropped:  h.dropped.Load(),
		Flushes:  h.flushes.Load(),
	}
}

// Close stops intake, drains whatever is buffered, closes the sinks and
// waits for the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	// deadline is nil while the batch is empty so an idle hub never wakes.
	var deadline <-chan time.Time
	var timer *time.Timer

	send := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = make([]Event, 0, h.cfg.MaxBatchEvents)
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents || evt.Stage == StageRunEnd {
				send()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			send()
		case <-h.quit:
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						send()
					}
				default:
					drained = true
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

// deliver hands batch to every sink concurrently. Sinks own nothing after
// Consume returns, so they all share one slice.
func (h *Hub) deliver(batch []Event) {
	h.flushes.Add(1)
	var g errgroup.Group
	for _, s := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := s.Consume(ctx, batch); err != nil {
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
