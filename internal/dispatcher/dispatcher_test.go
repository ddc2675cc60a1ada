package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/queue"
	"github.com/JakeFAU/parcel-ingest/internal/queue/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type gatedRunner struct {
	gate chan struct{}
	mu   sync.Mutex
	ran  []string
}

func (g *gatedRunner) Run(_ context.Context, req pipeline.Request) pipeline.Result {
	<-g.gate
	g.mu.Lock()
	g.ran = append(g.ran, req.RunID)
	g.mu.Unlock()
	return pipeline.Result{RunID: req.RunID, Status: pipeline.StatusSuccess}
}

func (g *gatedRunner) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ran)
}

func TestDispatcherRunsBatch(t *testing.T) {
	t.Parallel()

	runner := &gatedRunner{gate: make(chan struct{})}
	close(runner.gate)
	d := New(memory.NewQueue(8), runner, Config{Workers: 2}, &seqIDs{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	ids, err := d.EnqueueBatch([]pipeline.Request{{Address: "1 MAIN ST"}, {ParcelID: "123"}, {Address: "9 BAY DR"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2", "run-3"}, ids)

	require.Eventually(t, func() bool { return runner.count() == 3 }, time.Second, 10*time.Millisecond)
	assert.False(t, d.Pending("run-1"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherTracksPendingRuns(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(2), &gatedRunner{gate: make(chan struct{})}, Config{Workers: 1}, &seqIDs{}, nil, nil)

	id, err := d.Enqueue(pipeline.Request{Address: "1 MAIN ST"})
	require.NoError(t, err)
	assert.True(t, d.Pending(id))
	assert.Equal(t, 1, d.Depth())
	assert.False(t, d.Pending("unknown"))
}

func TestDispatcherRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(2), &gatedRunner{}, Config{}, &seqIDs{}, nil, nil)

	_, err := d.EnqueueBatch(nil)
	assert.True(t, parcel.IsCode(err, parcel.CodeInvalidRequest))

	_, err = d.EnqueueBatch([]pipeline.Request{{Address: "ok"}, {}})
	assert.True(t, parcel.IsCode(err, parcel.CodeInvalidRequest))
	assert.Zero(t, d.Depth())

	_, err = d.Enqueue(pipeline.Request{})
	assert.True(t, parcel.IsCode(err, parcel.CodeInvalidRequest))
}

func TestDispatcherReportsFullQueue(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(1), &gatedRunner{}, Config{}, &seqIDs{}, nil, nil)

	ids, err := d.EnqueueBatch([]pipeline.Request{{Address: "a"}, {Address: "b"}})
	require.ErrorIs(t, err, queue.ErrFull)
	assert.Equal(t, []string{"run-1"}, ids)
	assert.False(t, d.Pending("run-2"))
}
