package parcel

import (
	"context"
	"io"
	"time"
)

// Repository persists the canonical parcel state.
type Repository interface {
	UpsertParcel(ctx context.Context, np NormalizedParcel, ref FetchRef) (id string, created bool, err error)
	UpsertAssessments(ctx context.Context, parcelID string, assessments []Assessment) (int, error)
	UpsertSales(ctx context.Context, parcelID string, sales []Sale) (inserted, skipped int, err error)
	StoreNormalizedParcel(ctx context.Context, np NormalizedParcel, ref FetchRef) (StoreResult, error)
	GetParcel(ctx context.Context, id string, opts LookupOptions) (ParcelView, error)
	GetParcelByKey(ctx context.Context, key NaturalKey, opts LookupOptions) (ParcelView, error)
}

// AuditStore persists the append-only ingestion audit trail.
type AuditStore interface {
	CreateRun(ctx context.Context, run IngestionRun) error
	FinishRun(ctx context.Context, run IngestionRun) error
	GetRun(ctx context.Context, id string) (IngestionRun, error)
	CreateJob(ctx context.Context, job IngestionJob) error
	UpdateJob(ctx context.Context, job IngestionJob) error
	RecordRawFetch(ctx context.Context, fetch RawFetch) error
	RecordParseArtifact(ctx context.Context, artifact ParseArtifact) error
	RecordSteps(ctx context.Context, steps []StepRecord) error
}

// Store combines the repository and the audit trail behind one backend.
type Store interface {
	Repository
	AuditStore
	Close()
}

// BlobStore archives raw response bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes ingestion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
