// Package queue carries batch ingestion requests from the API to the worker
// pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
)

// ErrClosed is returned by Dequeue after the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned by TryEnqueue when the queue is at capacity.
var ErrFull = errors.New("queue full")

// Item is one queued ingestion request. Request.RunID is assigned before
// enqueue so the run can be polled while it waits.
type Item struct {
	Request    pipeline.Request
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of Items.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	TryEnqueue(item Item) error
	Dequeue(ctx context.Context) (Item, error)
	Len() int
	Close()
}
