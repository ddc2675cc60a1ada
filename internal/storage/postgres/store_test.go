package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", s.n), nil
}

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, &seqIDs{})
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return mock, store
}

func sampleParcel(observed time.Time) parcel.NormalizedParcel {
	return parcel.NormalizedParcel{
		SourceKey:    "fl-lee",
		Key:          parcel.NaturalKey{StateFIPS: "12", CountyFIPS: "071", ParcelIDNorm: "123456789"},
		ParcelIDRaw:  "12-34-56-789",
		SitusAddress: parcel.Address{Line1: "1 MAIN ST", Full: "1 MAIN ST, FORT MYERS, FL"},
		OwnerName:    "DOE JANE",
		Assessments:  []parcel.Assessment{{TaxYear: 2024, JustValue: ptr(250000.0)}},
		Sales: []parcel.Sale{
			{Price: ptr(200000.0), SaleKeySHA256: "sale-1"},
			{Price: ptr(10.0), SaleKeySHA256: "sale-2"},
		},
		Confidence: 0.9,
		ObservedAt: observed,
	}
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.True(t, parcel.IsCode(err, parcel.CodeConfigMissing))
}

func TestStoreNormalizedParcelRunsInTransaction(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	observed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	np := sampleParcel(observed)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO parcels").
		WithArgs(
			"00000000-0000-7000-8000-000000000001",
			"12", "071", "123456789", "12-34-56-789",
			pgxmock.AnyArg(), []byte(nil), "DOE JANE", []byte(nil), []byte(nil),
			0.9, "fl-lee", "fetch-1", "hash-1", "lee/1", observed, store.now(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow("parcel-1", true))
	mock.ExpectExec("INSERT INTO parcel_assessments").
		WithArgs(pgxmock.AnyArg(), "parcel-1", 2024, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), []byte(`[]`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO parcel_sales").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO parcel_sales").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	res, err := store.StoreNormalizedParcel(context.Background(), np, parcel.FetchRef{
		SourceKey: "fl-lee", RawFetchID: "fetch-1", BodySHA256: "hash-1", ParserVersion: "lee/1", ObservedAt: observed,
	})
	require.NoError(t, err)
	assert.Equal(t, parcel.StoreResult{
		ParcelID:            "parcel-1",
		ParcelCreated:       true,
		AssessmentsUpserted: 1,
		SalesInserted:       1,
		SalesSkipped:        1,
	}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreNormalizedParcelRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	np := sampleParcel(time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO parcels").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow("parcel-1", false))
	mock.ExpectExec("INSERT INTO parcel_assessments").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.StoreNormalizedParcel(context.Background(), np, parcel.FetchRef{SourceKey: "fl-lee"})
	require.Error(t, err)
	assert.True(t, parcel.IsCode(err, parcel.CodeStorageFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParcelRejectsIncompleteKey(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	np := sampleParcel(time.Now())
	np.Key.CountyFIPS = ""

	_, _, err := store.UpsertParcel(context.Background(), np, parcel.FetchRef{})
	require.True(t, parcel.IsCode(err, parcel.CodeStorageFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetParcelNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("FROM parcels").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetParcel(context.Background(), "missing", parcel.LookupOptions{})
	require.ErrorIs(t, err, parcel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetParcelByKeyDecodesJSONColumns(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	seen := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	key := parcel.NaturalKey{StateFIPS: "12", CountyFIPS: "081", ParcelIDNorm: "0001"}

	mock.ExpectQuery("FROM parcels").
		WithArgs("12", "081", "0001").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "state_fips", "county_fips", "parcel_id_norm", "parcel_id_raw",
			"situs_address", "mailing_address", "owner_name", "land", "improvements",
			"confidence", "canonical_source_key", "canonical_fetch_id", "canonical_body_sha256",
			"canonical_parser_version", "first_seen_at", "last_seen_at",
		}).AddRow(
			"parcel-9", "12", "081", "0001", "0001",
			[]byte(`{"full":"5 BAY DR, BRADENTON, FL"}`),
			[]byte(`{"full":"PO BOX 1, BRADENTON, FL"}`),
			"SMITH ANN",
			[]byte(`{"acres":0.25,"use_code":"0100"}`),
			[]byte(`{"year_built":1995}`),
			0.8, "fl-manatee", "fetch-9", "hash-9", "manatee/1", seen, seen,
		))

	view, err := store.GetParcelByKey(context.Background(), key, parcel.LookupOptions{})
	require.NoError(t, err)
	assert.Equal(t, "parcel-9", view.Parcel.ID)
	assert.Equal(t, key, view.Parcel.Key)
	assert.Equal(t, "5 BAY DR, BRADENTON, FL", view.Parcel.SitusAddress.Full)
	require.NotNil(t, view.Parcel.MailingAddress)
	assert.Equal(t, "PO BOX 1, BRADENTON, FL", view.Parcel.MailingAddress.Full)
	require.NotNil(t, view.Parcel.Land)
	assert.Equal(t, "0100", view.Parcel.Land.UseCode)
	assert.Equal(t, "manatee/1", view.Parcel.CanonicalParser)
	require.NotNil(t, view.Parcel.Improvements)
	assert.Equal(t, 1995, *view.Parcel.Improvements.YearBuilt)
	assert.Empty(t, view.Assessments)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunMissingRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("UPDATE ingestion_runs").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.FinishRun(context.Background(), parcel.IngestionRun{ID: "run-x", Status: parcel.RunStatusFailed})
	require.ErrorIs(t, err, parcel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunAndJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO ingestion_runs").
		WithArgs("run-1", "api", "fl-lee", "running", started, (*time.Time)(nil), []byte(`{"parcels_upserted":0,"assessments_upserted":0,"sales_inserted":0,"sales_skipped":0}`), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ingestion_jobs").
		WithArgs("job-1", "run-1", "fl-lee", "1 MAIN ST", "queued", 0, "", started, started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, parcel.IngestionRun{
		ID: "run-1", Trigger: "api", SourceKey: "fl-lee", Status: parcel.RunStatusRunning, StartedAt: started,
	}))
	require.NoError(t, store.CreateJob(ctx, parcel.IngestionJob{
		ID: "job-1", RunID: "run-1", SourceKey: "fl-lee", Target: "1 MAIN ST",
		Status: parcel.JobStatusQueued, CreatedAt: started, UpdatedAt: started,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRawFetchNullsMissingJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO raw_fetches").
		WithArgs("fetch-1", "run-1", nil, "fl-lee", "https://example.test/p", "GET", 200,
			"text/html", []byte("<html></html>"), "abc", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.RecordRawFetch(context.Background(), parcel.RawFetch{
		ID: "fetch-1", RunID: "run-1", SourceKey: "fl-lee", RequestURL: "https://example.test/p",
		RequestMethod: "GET", ResponseStatus: 200, ContentType: "text/html",
		Body: []byte("<html></html>"), BodySHA256: "abc", FetchedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStepsUsesCopy(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectCopyFrom(pgx.Identifier{"ingestion_steps"}, stepColumns).
		WillReturnResult(2)

	at := time.Now()
	err := store.RecordSteps(context.Background(), []parcel.StepRecord{
		{RunID: "run-1", SourceKey: "fl-lee", Step: "fetch", OK: true, Duration: time.Second, At: at},
		{RunID: "run-1", SourceKey: "fl-lee", Step: "extract", OK: false, Note: "PARSE_ERROR", At: at},
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordSteps(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
