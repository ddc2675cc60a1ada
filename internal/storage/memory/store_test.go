package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

func ptr[T any](v T) *T { return &v }

func sampleParcel(observed time.Time) parcel.NormalizedParcel {
	saleDate := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return parcel.NormalizedParcel{
		SourceKey:    "fl-pinellas",
		Key:          parcel.NaturalKey{StateFIPS: "12", CountyFIPS: "103", ParcelIDNorm: "1234567890"},
		ParcelIDRaw:  "1234567890",
		SitusAddress: parcel.Address{Line1: "100 EXAMPLE BLVD", City: "CLEARWATER", State: "FL", Zip: "33755", Full: "100 EXAMPLE BLVD, CLEARWATER, FL 33755"},
		OwnerName:    "DOE JOHN",
		Assessments: []parcel.Assessment{
			{TaxYear: 2024, JustValue: ptr(350000.0)},
			{TaxYear: 2023, JustValue: ptr(320000.0)},
		},
		Sales: []parcel.Sale{
			{Date: &saleDate, Price: ptr(300000.0), SaleKeySHA256: "sale-a"},
			{Price: ptr(1000.0), SaleKeySHA256: "sale-b"},
		},
		Confidence: 0.85,
		ObservedAt: observed,
	}
}

func TestStoreUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := first
	s.now = func() time.Time { return clock }
	np := sampleParcel(first)

	res1, err := s.StoreNormalizedParcel(ctx, np, parcel.FetchRef{SourceKey: "fl-pinellas", RawFetchID: "f1", BodySHA256: "h1", ObservedAt: first})
	require.NoError(t, err)
	assert.True(t, res1.ParcelCreated)
	assert.Equal(t, 2, res1.AssessmentsUpserted)
	assert.Equal(t, 2, res1.SalesInserted)
	assert.Zero(t, res1.SalesSkipped)

	second := first.Add(24 * time.Hour)
	clock = second
	np.ObservedAt = second
	res2, err := s.StoreNormalizedParcel(ctx, np, parcel.FetchRef{SourceKey: "fl-pinellas", RawFetchID: "f2", BodySHA256: "h2", ObservedAt: second})
	require.NoError(t, err)
	assert.False(t, res2.ParcelCreated)
	assert.Equal(t, res1.ParcelID, res2.ParcelID)
	assert.Zero(t, res2.SalesInserted)
	assert.Equal(t, res1.SalesInserted, res2.SalesSkipped)

	parcels, assessments, sales := s.Counts()
	assert.Equal(t, 1, parcels)
	assert.Equal(t, 2, assessments)
	assert.Equal(t, 2, sales)

	view, err := s.GetParcelByKey(ctx, np.Key, parcel.LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, view.Parcel.FirstSeenAt)
	assert.Equal(t, second, view.Parcel.LastSeenAt)
	assert.Equal(t, "h2", view.Parcel.CanonicalBodyHash)
	assert.Equal(t, "f2", view.Parcel.CanonicalFetchID)
}

func TestStoreIdenticalObservationAdvancesLastSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	written := observed.Add(time.Minute)
	s.now = func() time.Time { return written }
	np := sampleParcel(observed)
	ref := parcel.FetchRef{SourceKey: "fl-pinellas", RawFetchID: "f1", BodySHA256: "h1", ObservedAt: observed}

	res, err := s.StoreNormalizedParcel(ctx, np, ref)
	require.NoError(t, err)
	view, err := s.GetParcel(ctx, res.ParcelID, parcel.LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, observed, view.Parcel.FirstSeenAt)
	assert.Equal(t, written, view.Parcel.LastSeenAt)

	written = written.Add(time.Hour)
	_, err = s.StoreNormalizedParcel(ctx, np, ref)
	require.NoError(t, err)
	view, err = s.GetParcel(ctx, res.ParcelID, parcel.LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, observed, view.Parcel.FirstSeenAt)
	assert.Equal(t, written, view.Parcel.LastSeenAt)
}

func TestStoreAssessmentOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	np := sampleParcel(time.Now())
	res, err := s.StoreNormalizedParcel(ctx, np, parcel.FetchRef{})
	require.NoError(t, err)

	n, err := s.UpsertAssessments(ctx, res.ParcelID, []parcel.Assessment{{TaxYear: 2024, JustValue: ptr(400000.0)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := s.GetParcel(ctx, res.ParcelID, parcel.LookupOptions{IncludeAssessments: true, IncludeSales: true})
	require.NoError(t, err)
	require.Len(t, view.Assessments, 2)
	assert.Equal(t, 2024, view.Assessments[0].TaxYear)
	assert.InDelta(t, 400000.0, *view.Assessments[0].JustValue, 0.001)
	require.Len(t, view.Sales, 2)
	assert.Equal(t, "sale-a", view.Sales[0].SaleKeySHA256, "dated sales sort before undated")
}

func TestStoreRejectsIncompleteKeyAndUnknownParcel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	np := sampleParcel(time.Now())
	np.Key.CountyFIPS = ""
	_, err := s.StoreNormalizedParcel(ctx, np, parcel.FetchRef{})
	require.True(t, parcel.IsCode(err, parcel.CodeStorageFailed))

	_, _, err = s.UpsertSales(ctx, "missing", nil)
	require.True(t, errors.Is(err, parcel.ErrNotFound))
	_, err = s.GetParcel(ctx, "missing", parcel.LookupOptions{})
	require.True(t, errors.Is(err, parcel.ErrNotFound))
}

func TestStoreAuditTrail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	run := parcel.IngestionRun{ID: "run-1", SourceKey: "fl-lee", Status: parcel.RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, s.CreateRun(ctx, run))
	require.Error(t, s.CreateRun(ctx, run))

	job := parcel.IngestionJob{ID: "job-1", RunID: "run-1", Status: parcel.JobStatusQueued}
	require.NoError(t, s.CreateJob(ctx, job))
	job.Status = parcel.JobStatusNormalized
	require.NoError(t, s.UpdateJob(ctx, job))
	require.ErrorIs(t, s.UpdateJob(ctx, parcel.IngestionJob{ID: "nope"}), parcel.ErrNotFound)

	body := []byte("<html></html>")
	require.NoError(t, s.RecordRawFetch(ctx, parcel.RawFetch{ID: "f1", RunID: "run-1", Body: body}))
	body[0] = 'X'
	require.Equal(t, byte('<'), s.RawFetches("run-1")[0].Body[0])
	require.NoError(t, s.RecordParseArtifact(ctx, parcel.ParseArtifact{ID: "a1", RunID: "run-1", RawFetchID: "f1"}))
	require.NoError(t, s.RecordSteps(ctx, []parcel.StepRecord{{RunID: "run-1", Step: "resolve", OK: true}}))

	run.Status = parcel.RunStatusSucceeded
	require.NoError(t, s.FinishRun(ctx, run))
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, parcel.RunStatusSucceeded, got.Status)
	assert.Equal(t, parcel.JobStatusNormalized, s.Jobs("run-1")[0].Status)
	assert.Len(t, s.ParseArtifacts("run-1"), 1)
	assert.Len(t, s.Steps(), 1)
}
