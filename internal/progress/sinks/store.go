package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/progress"
)

// StepRecorder persists step records. parcel.AuditStore satisfies it.
type StepRecorder interface {
	RecordSteps(ctx context.Context, steps []parcel.StepRecord) error
}

// StoreSink writes finished steps to the audit trail, one call per batch.
type StoreSink struct {
	repo   StepRecorder
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided recorder.
func NewStoreSink(repo StepRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume converts STEP_END events to step records. Other stages are skipped;
// runs are persisted by the pipeline itself.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	steps := make([]parcel.StepRecord, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage != progress.StageStepEnd {
			continue
		}
		steps = append(steps, parcel.StepRecord{
			RunID:     evt.RunUUID().String(),
			SourceKey: evt.Source,
			Step:      evt.Step,
			OK:        evt.OK,
			Duration:  evt.Dur,
			Note:      evt.Note,
			At:        evt.TS.UTC(),
		})
	}
	if len(steps) == 0 {
		return nil
	}
	if err := s.repo.RecordSteps(ctx, steps); err != nil {
		return fmt.Errorf("record steps: %w", err)
	}
	s.logger.Debug("persisted step records", zap.Int("count", len(steps)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
