package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms move with run and step events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Source: "fl-lee"},
		{
			RunID:       runID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageStepEnd,
			Source:      "fl-lee",
			Step:        "fetch",
			OK:          true,
			StatusClass: progress.Status2xx,
			Bytes:       2048,
			Dur:         800 * time.Millisecond,
		},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageStepEnd, Source: "fl-lee", Step: "store", Dur: time.Millisecond},
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageRunEnd, Source: "fl-lee", Status: "failed", Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("fl-lee")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("fl-lee", "failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.steps.WithLabelValues("fl-lee", "fetch", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.steps.WithLabelValues("fl-lee", "store", "error")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("fl-lee")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetchStatus.WithLabelValues("fl-lee", "2xx")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.stepDuration, "parcel_pipeline_step_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
