// Package storage holds the backend-independent parts of parcel persistence.
// Backends live in the postgres, sqlite and memory subpackages; raw body
// archives in gcs, local and memory.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Upserter is the per-entity half of parcel.Repository.
type Upserter interface {
	UpsertParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (id string, created bool, err error)
	UpsertAssessments(ctx context.Context, parcelID string, assessments []parcel.Assessment) (int, error)
	UpsertSales(ctx context.Context, parcelID string, sales []parcel.Sale) (inserted, skipped int, err error)
}

// StoreNormalized upserts the parcel, then its assessments by tax year, then
// its sales by sale key, and returns the aggregate counts.
func StoreNormalized(ctx context.Context, u Upserter, np parcel.NormalizedParcel, ref parcel.FetchRef) (parcel.StoreResult, error) {
	if !np.Key.Valid() {
		return parcel.StoreResult{}, parcel.NewError(parcel.CodeStorageFailed, "store parcel", "natural key is incomplete").
			WithDebug("key", np.Key.String())
	}
	id, created, err := u.UpsertParcel(ctx, np, ref)
	if err != nil {
		return parcel.StoreResult{}, Wrap("upsert parcel", err)
	}
	assessments, err := u.UpsertAssessments(ctx, id, np.Assessments)
	if err != nil {
		return parcel.StoreResult{}, Wrap("upsert assessments", err)
	}
	inserted, skipped, err := u.UpsertSales(ctx, id, np.Sales)
	if err != nil {
		return parcel.StoreResult{}, Wrap("upsert sales", err)
	}
	return parcel.StoreResult{
		ParcelID:            id,
		ParcelCreated:       created,
		AssessmentsUpserted: assessments,
		SalesInserted:       inserted,
		SalesSkipped:        skipped,
	}, nil
}

// ParcelFromNormalized builds the canonical row for np. Both seen
// timestamps start at the observation time; backends pass the row through
// Stamp before writing. Identity is left to the backend.
func ParcelFromNormalized(np parcel.NormalizedParcel, ref parcel.FetchRef) parcel.Parcel {
	observed := ref.ObservedAt
	if observed.IsZero() {
		observed = np.ObservedAt
	}
	source := ref.SourceKey
	if source == "" {
		source = np.SourceKey
	}
	return parcel.Parcel{
		Key:                np.Key,
		ParcelIDRaw:        np.ParcelIDRaw,
		SitusAddress:       np.SitusAddress,
		MailingAddress:     np.MailingAddress,
		OwnerName:          np.OwnerName,
		Land:               np.Land,
		Improvements:       np.Improvements,
		Confidence:         np.Confidence,
		CanonicalSourceKey: source,
		CanonicalFetchID:   ref.RawFetchID,
		CanonicalBodyHash:  ref.BodySHA256,
		CanonicalParser:    ref.ParserVersion,
		FirstSeenAt:        observed.UTC(),
		LastSeenAt:         observed.UTC(),
	}
}

// Stamp fills the seen timestamps for a write at now. lastSeenAt is the
// later of the observation and the write, so re-storing an identical
// observation still advances it.
func Stamp(row *parcel.Parcel, now time.Time) {
	now = now.UTC()
	if row.FirstSeenAt.IsZero() {
		row.FirstSeenAt = now
	}
	if row.LastSeenAt.Before(now) {
		row.LastSeenAt = now
	}
}

// Wrap tags backend failures STORAGE_FAILED. Coded errors such as
// parcel.ErrNotFound pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *parcel.Error
	if errors.As(err, &coded) {
		return err
	}
	return parcel.WrapError(parcel.CodeStorageFailed, op, eris.Wrap(err, "backend"))
}
