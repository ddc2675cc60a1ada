package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/config"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

const (
	testRunID    = "0190c6e2-7d1a-7c3b-9e4f-0a1b2c3d4e5f"
	testParcelID = "0190c6e2-7d1a-7c3b-9e4f-aaaaaaaaaaaa"
)

type fakeRuns struct {
	runs map[string]parcel.IngestionRun
	err  error
}

func (f fakeRuns) GetRun(_ context.Context, id string) (parcel.IngestionRun, error) {
	if f.err != nil {
		return parcel.IngestionRun{}, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return parcel.IngestionRun{}, parcel.ErrNotFound
	}
	return run, nil
}

type fakeParcels struct {
	view    parcel.ParcelView
	gotOpts parcel.LookupOptions
	gotKey  parcel.NaturalKey
}

func (f *fakeParcels) GetParcel(_ context.Context, id string, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	f.gotOpts = opts
	if id != f.view.Parcel.ID {
		return parcel.ParcelView{}, parcel.ErrNotFound
	}
	return f.view, nil
}

func (f *fakeParcels) GetParcelByKey(_ context.Context, key parcel.NaturalKey, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	f.gotOpts = opts
	f.gotKey = key
	if key != f.view.Parcel.Key {
		return parcel.ParcelView{}, parcel.ErrNotFound
	}
	return f.view, nil
}

func sampleView() parcel.ParcelView {
	return parcel.ParcelView{
		Parcel: parcel.Parcel{
			ID:          testParcelID,
			Key:         parcel.NaturalKey{StateFIPS: "12", CountyFIPS: "103", ParcelIDNorm: "012345678901"},
			ParcelIDRaw: "01-23-45-67890-1",
			OwnerName:   "DOE JOHN",
		},
		Assessments: []parcel.ParcelAssessment{{}},
	}
}

func TestGetRunReportsStoredRun(t *testing.T) {
	t.Parallel()

	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := fakeRuns{runs: map[string]parcel.IngestionRun{
		testRunID: {
			ID:         testRunID,
			Trigger:    "api-batch",
			SourceKey:  "fl-lee",
			Status:     parcel.RunStatusSucceeded,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: &finished,
			Stats:      parcel.RunStats{ParcelsUpserted: 1, SalesInserted: 2},
		},
	}}
	h := newServer(t, Deps{Runs: runs}, config.Config{})

	rec := do(t, h, http.MethodGet, "/v1/runs/"+testRunID, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "succeeded", body.Run.Status)
	assert.Equal(t, "fl-lee", body.Run.SourceKey)
	require.NotNil(t, body.Run.Stats)
	assert.Equal(t, 2, body.Run.Stats.SalesInserted)
}

func TestGetRunQueued(t *testing.T) {
	t.Parallel()

	batch := &fakeBatch{pending: map[string]bool{testRunID: true}}
	h := newServer(t, Deps{Batch: batch, Runs: fakeRuns{}}, config.Config{})

	rec := do(t, h, http.MethodGet, "/v1/runs/"+testRunID, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)
}

func TestGetRunErrors(t *testing.T) {
	t.Parallel()

	h := newServer(t, Deps{Runs: fakeRuns{}}, config.Config{})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/"+testRunID, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs/not-a-uuid", "").Code)

	broken := newServer(t, Deps{Runs: fakeRuns{err: errors.New("db down")}}, config.Config{})
	assert.Equal(t, http.StatusInternalServerError, do(t, broken, http.MethodGet, "/v1/runs/"+testRunID, "").Code)

	none := newServer(t, Deps{}, config.Config{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, none, http.MethodGet, "/v1/runs/"+testRunID, "").Code)
}

func TestGetParcelWithIncludes(t *testing.T) {
	t.Parallel()

	parcels := &fakeParcels{view: sampleView()}
	h := newServer(t, Deps{Parcels: parcels}, config.Config{})

	rec := do(t, h, http.MethodGet, "/v1/parcels/"+testParcelID+"?include=assessments,sales", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, parcels.gotOpts.IncludeAssessments)
	assert.True(t, parcels.gotOpts.IncludeSales)
	var view parcel.ParcelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "DOE JOHN", view.Parcel.OwnerName)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodGet, "/v1/parcels/"+testParcelID+"?include=owners", "").Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodGet, "/v1/parcels/0190c6e2-7d1a-7c3b-9e4f-bbbbbbbbbbbb", "").Code)
}

func TestGetParcelByKey(t *testing.T) {
	t.Parallel()

	parcels := &fakeParcels{view: sampleView()}
	h := newServer(t, Deps{Parcels: parcels}, config.Config{})

	rec := do(t, h, http.MethodGet, "/v1/parcels/by-key/12/103/012345678901?include=sales", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sampleView().Parcel.Key, parcels.gotKey)
	assert.False(t, parcels.gotOpts.IncludeAssessments)
	assert.True(t, parcels.gotOpts.IncludeSales)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/parcels/by-key/12/071/1", "").Code)

	none := newServer(t, Deps{}, config.Config{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, none, http.MethodGet, "/v1/parcels/by-key/12/103/1", "").Code)
}
