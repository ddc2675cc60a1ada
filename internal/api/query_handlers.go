package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

const queryTimeout = 3 * time.Second

// runStatusQueued is reported for batch runs that a worker has not picked up.
const runStatusQueued = "queued"

// ParcelReader loads canonical parcels.
type ParcelReader interface {
	GetParcel(ctx context.Context, id string, opts parcel.LookupOptions) (parcel.ParcelView, error)
	GetParcelByKey(ctx context.Context, key parcel.NaturalKey, opts parcel.LookupOptions) (parcel.ParcelView, error)
}

// RunReader loads ingestion runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (parcel.IngestionRun, error)
}

// QueryHandler exposes read-only run and parcel endpoints.
type QueryHandler struct {
	parcels ParcelReader
	runs    RunReader
	pending func(string) bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueryHandler wires the readers. pending may be nil when no batch queue runs.
func NewQueryHandler(parcels ParcelReader, runs RunReader, pending func(string) bool, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		parcels: parcels,
		runs:    runs,
		pending: pending,
		timeout: queryTimeout,
		logger:  logger,
	}
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on success.
// A batch run still waiting in the queue is reported with status "queued".
func (h *QueryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "run_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.pending != nil && h.pending(runID) {
		writeJSON(w, http.StatusOK, map[string]any{"run": runDTO{ID: runID, Status: runStatusQueued}})
		return
	}
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		h.writeLookupError(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// GetParcel handles GET /v1/parcels/{parcel_id}?include=assessments,sales.
func (h *QueryHandler) GetParcel(w http.ResponseWriter, r *http.Request) {
	if h.parcels == nil {
		writeError(w, http.StatusServiceUnavailable, "parcel store unavailable")
		return
	}
	id, err := parseUUIDParam(r, "parcel_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseInclude(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.parcels.GetParcel(ctx, id, opts)
	if err != nil {
		h.writeLookupError(w, "parcel", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetParcelByKey handles GET /v1/parcels/by-key/{state_fips}/{county_fips}/{parcel_id_norm}.
func (h *QueryHandler) GetParcelByKey(w http.ResponseWriter, r *http.Request) {
	if h.parcels == nil {
		writeError(w, http.StatusServiceUnavailable, "parcel store unavailable")
		return
	}
	key := parcel.NaturalKey{
		StateFIPS:    chi.URLParam(r, "state_fips"),
		CountyFIPS:   chi.URLParam(r, "county_fips"),
		ParcelIDNorm: chi.URLParam(r, "parcel_id_norm"),
	}
	if !key.Valid() {
		writeError(w, http.StatusBadRequest, "incomplete parcel key")
		return
	}
	opts, err := parseInclude(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.parcels.GetParcelByKey(ctx, key, opts)
	if err != nil {
		h.writeLookupError(w, "parcel", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *QueryHandler) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, parcel.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("lookup failed", zap.String("entity", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseUUIDParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return "", errors.New(name + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid " + name)
	}
	return id.String(), nil
}

func parseInclude(r *http.Request) (parcel.LookupOptions, error) {
	var opts parcel.LookupOptions
	raw := strings.TrimSpace(r.URL.Query().Get("include"))
	if raw == "" {
		return opts, nil
	}
	for part := range strings.SplitSeq(raw, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "assessments":
			opts.IncludeAssessments = true
		case "sales":
			opts.IncludeSales = true
		case "":
		default:
			return opts, errors.New("invalid include " + part)
		}
	}
	return opts, nil
}

type runDTO struct {
	ID         string           `json:"id"`
	Trigger    string           `json:"trigger,omitempty"`
	SourceKey  string           `json:"sourceKey,omitempty"`
	Status     string           `json:"status"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Stats      *parcel.RunStats `json:"stats,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func toRunDTO(run parcel.IngestionRun) runDTO {
	started := run.StartedAt
	stats := run.Stats
	return runDTO{
		ID:         run.ID,
		Trigger:    run.Trigger,
		SourceKey:  run.SourceKey,
		Status:     string(run.Status),
		StartedAt:  &started,
		FinishedAt: run.FinishedAt,
		Stats:      &stats,
		Error:      run.Error,
	}
}
