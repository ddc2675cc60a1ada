package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

// CreateRun inserts a new ingestion run.
func (s *Store) CreateRun(ctx context.Context, run parcel.IngestionRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO ingestion_runs (id, trigger, source_key, status, started_at, finished_at, stats, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.Trigger, run.SourceKey, string(run.Status), run.StartedAt, run.FinishedAt, stats, run.Error)
	if err != nil {
		return storage.Wrap("insert run", err)
	}
	return nil
}

// FinishRun records the terminal status, stats and error of a run.
func (s *Store) FinishRun(ctx context.Context, run parcel.IngestionRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE ingestion_runs SET status = $2, finished_at = $3, stats = $4, error = $5
WHERE id = $1`,
		run.ID, string(run.Status), run.FinishedAt, stats, run.Error)
	if err != nil {
		return storage.Wrap("finish run", err)
	}
	if tag.RowsAffected() == 0 {
		return parcel.ErrNotFound
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (parcel.IngestionRun, error) {
	var (
		run    parcel.IngestionRun
		status string
		stats  []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT id::text, trigger, source_key, status, started_at, finished_at, stats, error
FROM ingestion_runs WHERE id = $1`, id).
		Scan(&run.ID, &run.Trigger, &run.SourceKey, &status, &run.StartedAt, &run.FinishedAt, &stats, &run.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return parcel.IngestionRun{}, parcel.ErrNotFound
	}
	if err != nil {
		return parcel.IngestionRun{}, storage.Wrap("select run", err)
	}
	run.Status = parcel.RunStatus(status)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return parcel.IngestionRun{}, fmt.Errorf("decode run stats: %w", err)
		}
	}
	return run, nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job parcel.IngestionJob) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO ingestion_jobs (id, run_id, source_key, target, status, attempts, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, job.RunID, job.SourceKey, job.Target, string(job.Status), job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return storage.Wrap("insert job", err)
	}
	return nil
}

// UpdateJob writes a job's status transition.
func (s *Store) UpdateJob(ctx context.Context, job parcel.IngestionJob) error {
	tag, err := s.db.Exec(ctx, `
UPDATE ingestion_jobs SET status = $2, attempts = $3, last_error = $4, updated_at = $5
WHERE id = $1`,
		job.ID, string(job.Status), job.Attempts, job.LastError, job.UpdatedAt)
	if err != nil {
		return storage.Wrap("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return parcel.ErrNotFound
	}
	return nil
}

// RecordRawFetch inserts an immutable fetch snapshot.
func (s *Store) RecordRawFetch(ctx context.Context, fetch parcel.RawFetch) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO raw_fetches (
	id, run_id, job_id, source_key, request_url, request_method, response_status,
	content_type, body, body_sha256, blob_uri, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		fetch.ID, fetch.RunID, nullIfEmpty(fetch.JobID), fetch.SourceKey, fetch.RequestURL, fetch.RequestMethod,
		fetch.ResponseStatus, fetch.ContentType, fetch.Body, fetch.BodySHA256, fetch.BlobURI, fetch.FetchedAt)
	if err != nil {
		return storage.Wrap("insert raw fetch", err)
	}
	return nil
}

// RecordParseArtifact inserts an extraction artifact.
func (s *Store) RecordParseArtifact(ctx context.Context, artifact parcel.ParseArtifact) error {
	fields := artifact.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal artifact fields: %w", err)
	}
	warnings, err := json.Marshal(emptyIfNil(artifact.Warnings))
	if err != nil {
		return fmt.Errorf("marshal artifact warnings: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO parse_artifacts (id, run_id, raw_fetch_id, parser_version, dom_signature, fields, warnings, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		artifact.ID, artifact.RunID, artifact.RawFetchID, artifact.ParserVersion, artifact.DOMSignature,
		fieldsJSON, warnings, artifact.CreatedAt)
	if err != nil {
		return storage.Wrap("insert parse artifact", err)
	}
	return nil
}

var stepColumns = []string{"run_id", "source_key", "step", "ok", "duration_ms", "note", "at"}

// RecordSteps bulk-loads step records with COPY.
func (s *Store) RecordSteps(ctx context.Context, steps []parcel.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(steps))
	for _, st := range steps {
		rows = append(rows, []any{st.RunID, st.SourceKey, st.Step, st.OK, st.Duration.Milliseconds(), st.Note, st.At})
	}
	if _, err := s.db.CopyFrom(ctx, pgx.Identifier{"ingestion_steps"}, stepColumns, pgx.CopyFromRows(rows)); err != nil {
		return storage.Wrap("copy steps", err)
	}
	return nil
}
