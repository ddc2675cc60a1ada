package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/progress"
)

// TestStoreSinkPersistsStepEnds ensures only finished steps reach the recorder, in one call.
func TestStoreSinkPersistsStepEnds(t *testing.T) {
	t.Parallel()

	repo := &fakeRecorder{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Source: "fl-lee"},
		{RunID: runID, Stage: progress.StageStepStart, TS: now, Source: "fl-lee", Step: "resolve"},
		{RunID: runID, Stage: progress.StageStepEnd, TS: now.Add(time.Second), Source: "fl-lee", Step: "resolve", OK: true, Dur: time.Second},
		{RunID: runID, Stage: progress.StageStepEnd, TS: now.Add(2 * time.Second), Source: "fl-lee", Step: "fetch", Note: "boom", Dur: time.Second},
		{RunID: runID, Stage: progress.StageRunEnd, TS: now.Add(3 * time.Second), Source: "fl-lee", Status: "failed"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, repo.calls, 1)
	steps := repo.calls[0]
	require.Len(t, steps, 2)
	require.Equal(t, runUUID.String(), steps[0].RunID)
	require.Equal(t, "resolve", steps[0].Step)
	require.True(t, steps[0].OK)
	require.Equal(t, "fetch", steps[1].Step)
	require.False(t, steps[1].OK)
	require.Equal(t, "boom", steps[1].Note)
}

// TestStoreSinkHandlesErrors surfaces recorder failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeRecorder{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageStepEnd, Step: "store", TS: time.Now(),
	}})
	require.Error(t, err)
}

func TestStoreSinkSkipsEmptyBatches(t *testing.T) {
	t.Parallel()

	repo := &fakeRecorder{}
	require.NoError(t, NewStoreSink(repo, nil).Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	}))
	require.Empty(t, repo.calls)
	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), nil))
}

type fakeRecorder struct {
	fail  bool
	calls [][]parcel.StepRecord
}

func (f *fakeRecorder) RecordSteps(_ context.Context, steps []parcel.StepRecord) error {
	if f.fail {
		return errors.New("db down")
	}
	f.calls = append(f.calls, append([]parcel.StepRecord(nil), steps...))
	return nil
}
