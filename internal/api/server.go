package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/config"
	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/queue"
)

const maxBodyBytes = 1 << 20

// Runner executes a single ingestion synchronously.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// BatchQueue accepts asynchronous ingestion requests.
type BatchQueue interface {
	EnqueueBatch(reqs []pipeline.Request) ([]string, error)
	Pending(runID string) bool
	Depth() int
}

// SourceLister lists registered sources.
type SourceLister interface {
	Sources() []parcel.SourceConfig
	DefaultKey() string
}

// Deps are the collaborators behind the routes. Batch, Parcels and Runs may
// be nil; their routes then answer 503.
type Deps struct {
	Runner  Runner
	Batch   BatchQueue
	Sources SourceLister
	Parcels ParcelReader
	Runs    RunReader
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the pipeline, dispatcher and stores.
type Server struct {
	router  chi.Router
	runner  Runner
	batch   BatchQueue
	sources SourceLister
	query   *QueryHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		runner:  deps.Runner,
		batch:   deps.Batch,
		sources: deps.Sources,
		logger:  logger,
	}
	var pending func(string) bool
	if deps.Batch != nil {
		pending = deps.Batch.Pending
	}
	s.query = NewQueryHandler(deps.Parcels, deps.Runs, pending, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.With(timeoutMiddleware(requestTimeout(cfg))).Post("/ingest", s.ingest)
		r.Post("/ingest/batch", s.ingestBatch)
		r.Get("/runs/{run_id}", s.query.GetRun)
		r.Route("/parcels", func(r chi.Router) {
			r.Get("/{parcel_id}", s.query.GetParcel)
			r.Get("/by-key/{state_fips}/{county_fips}/{parcel_id_norm}", s.query.GetParcelByKey)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestTimeout(cfg config.Config) time.Duration {
	d := cfg.Pipeline.JobTimeout + 15*time.Second
	if d < time.Minute {
		return time.Minute
	}
	return d
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"status": "ready"}
	if s.batch != nil {
		payload["queueDepth"] = s.batch.Depth()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	if s.sources == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []parcel.SourceConfig{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default": s.sources.DefaultKey(),
		"sources": s.sources.Sources(),
	})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeCodedError(w, err)
		return
	}
	req.Trigger = "api"
	res := s.runner.Run(r.Context(), req)
	writeJSON(w, statusForResult(res), res)
}

type batchRequest struct {
	Requests []pipeline.Request `json:"requests"`
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	if s.batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch ingestion unavailable")
		return
	}
	var body batchRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for i := range body.Requests {
		body.Requests[i].Trigger = "api-batch"
	}
	ids, err := s.batch.EnqueueBatch(body.Requests)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"runIds": ids})
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		s.logger.Warn("batch queue rejected requests",
			zap.Int("accepted", len(ids)), zap.Int("requested", len(body.Requests)), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  err.Error(),
			"runIds": ids,
		})
	default:
		writeCodedError(w, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func statusForResult(res pipeline.Result) int {
	if res.Status != pipeline.StatusFailed {
		return http.StatusOK
	}
	switch res.ErrorCode {
	case parcel.CodeInvalidRequest:
		return http.StatusBadRequest
	case parcel.CodeNotFound:
		return http.StatusNotFound
	case parcel.CodeBlocked, parcel.CodeConfigMissing:
		return http.StatusServiceUnavailable
	case parcel.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCodedError maps a coded domain error to an HTTP status and body.
func writeCodedError(w http.ResponseWriter, err error) {
	code := parcel.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case parcel.CodeInvalidRequest:
		status = http.StatusBadRequest
	case parcel.CodeNotFound:
		status = http.StatusNotFound
	case parcel.CodeConfigMissing:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "errorCode": code})
}
