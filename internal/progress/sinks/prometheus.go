package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/parcel-ingest/internal/progress"
)

// PrometheusSink exports run and step metrics.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	fetchBytes   *prometheus.CounterVec
	fetchStatus  *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_runs_started_total",
			Help: "Ingestion runs started per source.",
		}, []string{"source"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_runs_completed_total",
			Help: "Ingestion runs finished per source and final status.",
		}, []string{"source", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parcel_runs_running",
			Help: "Ingestion runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcel_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"source", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_pipeline_steps_total",
			Help: "Pipeline steps finished per source, step and result.",
		}, []string{"source", "step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcel_pipeline_step_duration_seconds",
			Help:    "Pipeline step latency per source and step.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source", "step"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_fetch_bytes_total",
			Help: "Detail page bytes captured per source.",
		}, []string{"source"}),
		fetchStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_fetch_responses_total",
			Help: "Fetched detail pages per source and status class.",
		}, []string{"source", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.steps,
		s.stepDuration,
		s.fetchBytes,
		s.fetchStatus,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(source).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunEnd:
		s.runsCompleted.WithLabelValues(source, evt.Status).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(source, evt.Status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageStepEnd:
		s.handleStepEnd(source, evt)
	}
}

func (s *PrometheusSink) handleStepEnd(source string, evt progress.Event) {
	result := "ok"
	if !evt.OK {
		result = "error"
	}
	s.steps.WithLabelValues(source, evt.Step, result).Inc()
	if evt.Dur > 0 {
		s.stepDuration.WithLabelValues(source, evt.Step).Observe(evt.Dur.Seconds())
	}
	if evt.StatusClass != "" {
		s.fetchStatus.WithLabelValues(source, string(evt.StatusClass)).Inc()
	}
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(source).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
