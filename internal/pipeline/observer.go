package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/parcel-ingest/internal/progress"
)

// Step names in execution order.
const (
	StepResolve   = "resolve"
	StepFetch     = "fetch"
	StepExtract   = "extract"
	StepNormalize = "normalize"
	StepStore     = "store"
)

// StepEvent describes one phase boundary.
type StepEvent struct {
	RunID  string
	Source string
	Step   string
	Start  time.Time
	// The fields below are set on OnStepEnd only.
	Duration time.Duration
	OK       bool
	Err      error
	// HTTP status and body size of the fetch step.
	Status int
	Bytes  int
	Note   string
}

// Observer receives run and step boundaries. Implementations must not block.
type Observer interface {
	OnRunStart(ctx context.Context, runID, source string, at time.Time)
	OnStepStart(ctx context.Context, evt StepEvent)
	OnStepEnd(ctx context.Context, evt StepEvent)
	OnRunEnd(ctx context.Context, res Result, dur time.Duration)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnRunStart(context.Context, string, string, time.Time) {}
func (NopObserver) OnStepStart(context.Context, StepEvent)                {}
func (NopObserver) OnStepEnd(context.Context, StepEvent)                  {}
func (NopObserver) OnRunEnd(context.Context, Result, time.Duration)       {}

// EmitterObserver forwards boundaries to a progress emitter as events.
type EmitterObserver struct {
	emitter progress.Emitter
	now     func() time.Time
}

// NewEmitterObserver adapts emitter to the Observer interface.
func NewEmitterObserver(emitter progress.Emitter) *EmitterObserver {
	return &EmitterObserver{emitter: emitter, now: time.Now}
}

func (o *EmitterObserver) OnRunStart(_ context.Context, runID, source string, at time.Time) {
	o.emit(progress.Event{RunID: runBytes(runID), TS: at.UTC(), Stage: progress.StageRunStart, Source: source})
}

func (o *EmitterObserver) OnStepStart(_ context.Context, evt StepEvent) {
	o.emit(progress.Event{
		RunID:  runBytes(evt.RunID),
		TS:     evt.Start.UTC(),
		Stage:  progress.StageStepStart,
		Source: evt.Source,
		Step:   evt.Step,
	})
}

func (o *EmitterObserver) OnStepEnd(_ context.Context, evt StepEvent) {
	out := progress.Event{
		RunID:  runBytes(evt.RunID),
		TS:     evt.Start.Add(evt.Duration).UTC(),
		Stage:  progress.StageStepEnd,
		Source: evt.Source,
		Step:   evt.Step,
		OK:     evt.OK,
		Bytes:  int64(evt.Bytes),
		Dur:    evt.Duration,
		Note:   evt.Note,
	}
	if evt.Status > 0 {
		out.StatusClass = progress.ClassifyStatus(evt.Status)
	}
	if evt.Err != nil && out.Note == "" {
		out.Note = evt.Err.Error()
	}
	o.emit(out)
}

func (o *EmitterObserver) OnRunEnd(_ context.Context, res Result, dur time.Duration) {
	o.emit(progress.Event{
		RunID:  runBytes(res.RunID),
		TS:     o.now().UTC(),
		Stage:  progress.StageRunEnd,
		Source: res.SourceKey,
		Status: string(res.Status),
		Dur:    dur,
		Note:   res.Error,
	})
}

func (o *EmitterObserver) emit(evt progress.Event) {
	if o == nil || o.emitter == nil {
		return
	}
	o.emitter.Emit(evt)
}

func runBytes(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}
	}
	return progress.UUIDToBytes(id)
}
