package progress

import "context"

// Sink receives flushed batches. The hub calls every sink's Consume in
// parallel with the same slice, which sinks must treat as read-only, and
// calls Close once during shutdown.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side the pipeline observer depends on.
type Emitter interface {
	Emit(evt Event)
}
