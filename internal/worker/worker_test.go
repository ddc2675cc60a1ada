package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/clock/system"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/queue"
	"github.com/JakeFAU/parcel-ingest/internal/queue/memory"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	status   pipeline.Status
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	status := f.status
	if status == "" {
		status = pipeline.StatusSuccess
	}
	return pipeline.Result{RunID: req.RunID, Status: status}
}

func (f *fakeRunner) seen() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.requests...)
}

func TestWorkerRunsQueuedRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(4)
	runner := &fakeRunner{}
	w := New(1, q, runner, system.NewManual(time.Unix(100, 0)), zap.NewNop())

	require.NoError(t, q.TryEnqueue(queue.Item{Request: pipeline.Request{RunID: "run-1", Address: "1 MAIN ST"}, EnqueuedAt: time.Unix(90, 0)}))
	require.NoError(t, q.TryEnqueue(queue.Item{Request: pipeline.Request{RunID: "run-2", ParcelID: "123", Trigger: "api"}}))

	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(runner.seen()) == 2 }, time.Second, 10*time.Millisecond)
	got := runner.seen()
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, "batch", got[0].Trigger)
	assert.Equal(t, "api", got[1].Trigger)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	runner := &fakeRunner{status: pipeline.StatusFailed}
	w := New(2, q, runner, nil, nil)
	require.NoError(t, q.TryEnqueue(queue.Item{Request: pipeline.Request{RunID: "run-x", Address: "x"}}))
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
	assert.Len(t, runner.seen(), 1)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(3, memory.NewQueue(1), &fakeRunner{}, nil, nil)
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
