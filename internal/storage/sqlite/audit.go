package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

// CreateRun inserts a new ingestion run.
func (s *Store) CreateRun(ctx context.Context, run parcel.IngestionRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ingestion_runs (id, trigger, source_key, status, started_at, finished_at, stats, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Trigger, run.SourceKey, string(run.Status), formatTime(run.StartedAt),
		nullTime(run.FinishedAt), string(stats), run.Error)
	return storage.Wrap("sqlite: insert run", err)
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, run parcel.IngestionRun) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = ?, finished_at = ?, stats = ?, error = ? WHERE id = ?`,
		string(run.Status), nullTime(run.FinishedAt), string(stats), run.Error, run.ID)
	if err != nil {
		return storage.Wrap("sqlite: finish run", err)
	}
	return checkRowsAffected(res)
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (parcel.IngestionRun, error) {
	var (
		run             parcel.IngestionRun
		status, started string
		finished        sql.NullString
		stats           string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, trigger, source_key, status, started_at, finished_at, stats, error
FROM ingestion_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Trigger, &run.SourceKey, &status, &started, &finished, &stats, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return parcel.IngestionRun{}, parcel.ErrNotFound
	}
	if err != nil {
		return parcel.IngestionRun{}, storage.Wrap("sqlite: select run", err)
	}
	run.Status = parcel.RunStatus(status)
	if run.StartedAt, err = parseTime(started); err != nil {
		return parcel.IngestionRun{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return parcel.IngestionRun{}, err
		}
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return parcel.IngestionRun{}, eris.Wrap(err, "sqlite: decode stats")
	}
	return run, nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job parcel.IngestionJob) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingestion_jobs (id, run_id, source_key, target, status, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, job.SourceKey, job.Target, string(job.Status), job.Attempts, job.LastError,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	return storage.Wrap("sqlite: insert job", err)
}

// UpdateJob writes a job's status transition.
func (s *Store) UpdateJob(ctx context.Context, job parcel.IngestionJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), job.Attempts, job.LastError, formatTime(job.UpdatedAt), job.ID)
	if err != nil {
		return storage.Wrap("sqlite: update job", err)
	}
	return checkRowsAffected(res)
}

// RecordRawFetch inserts an immutable fetch snapshot.
func (s *Store) RecordRawFetch(ctx context.Context, fetch parcel.RawFetch) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO raw_fetches (
	id, run_id, job_id, source_key, request_url, request_method, response_status,
	content_type, body, body_sha256, blob_uri, fetched_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fetch.ID, fetch.RunID, nullIfEmpty(fetch.JobID), fetch.SourceKey, fetch.RequestURL, fetch.RequestMethod,
		fetch.ResponseStatus, fetch.ContentType, fetch.Body, fetch.BodySHA256, fetch.BlobURI, formatTime(fetch.FetchedAt))
	return storage.Wrap("sqlite: insert raw fetch", err)
}

// RecordParseArtifact inserts an extraction artifact.
func (s *Store) RecordParseArtifact(ctx context.Context, artifact parcel.ParseArtifact) error {
	fields := artifact.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}
	warnings, err := json.Marshal(emptyIfNil(artifact.Warnings))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal warnings")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO parse_artifacts (id, run_id, raw_fetch_id, parser_version, dom_signature, fields, warnings, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.RawFetchID, artifact.ParserVersion, artifact.DOMSignature,
		string(fieldsJSON), string(warnings), formatTime(artifact.CreatedAt))
	return storage.Wrap("sqlite: insert parse artifact", err)
}

// RecordSteps appends step records in one transaction.
func (s *Store) RecordSteps(ctx context.Context, steps []parcel.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wrap("sqlite: begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ingestion_steps (run_id, source_key, step, ok, duration_ms, note, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storage.Wrap("sqlite: prepare steps", err)
	}
	defer stmt.Close()
	for _, st := range steps {
		if _, err := stmt.ExecContext(ctx, st.RunID, st.SourceKey, st.Step, st.OK,
			st.Duration.Milliseconds(), st.Note, formatTime(st.At)); err != nil {
			return storage.Wrap("sqlite: insert step", err)
		}
	}
	return storage.Wrap("sqlite: commit steps", tx.Commit())
}

// StepCount reports how many step rows exist for a run.
func (s *Store) StepCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_steps WHERE run_id = ?`, runID).Scan(&n)
	return n, storage.Wrap("sqlite: count steps", err)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("sqlite: rows affected", err)
	}
	if n == 0 {
		return parcel.ErrNotFound
	}
	return nil
}
