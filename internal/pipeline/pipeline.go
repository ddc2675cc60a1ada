// Package pipeline sequences resolve, fetch, extract, normalize and store for
// one ingestion request and records the audit trail around it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/adapter"
	"github.com/JakeFAU/parcel-ingest/internal/clock/system"
	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/normalize"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

// Status is the caller-facing outcome of a request.
type Status string

// Result statuses.
const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
	StatusPartial Status = "PARTIAL"
)

// Request is one ingestion target.
type Request struct {
	SourceKey string `json:"sourceKey,omitempty"`
	Address   string `json:"address,omitempty"`
	ParcelID  string `json:"parcelId,omitempty"`
	// Force disables the unchanged-body short circuit.
	Force bool `json:"force,omitempty"`
	// Trigger names what started the run (api, cli, batch).
	Trigger string `json:"-"`
	// RunID, when set, is used instead of a generated id. Batch enqueue
	// assigns it so callers can poll the run before it starts.
	RunID string `json:"-"`
}

// Validate rejects requests without a target.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Address) == "" && strings.TrimSpace(r.ParcelID) == "" {
		return parcel.NewError(parcel.CodeInvalidRequest, "validate", "address or parcelId is required")
	}
	return nil
}

// Result is returned for every request; errors never escape Run.
type Result struct {
	RunID      string                   `json:"runId"`
	SourceKey  string                   `json:"sourceKey,omitempty"`
	Status     Status                   `json:"status"`
	ParcelID   string                   `json:"parcelId,omitempty"`
	ParcelKey  string                   `json:"parcelKey,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorCode  parcel.Code              `json:"errorCode,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Debug      map[string]any           `json:"debug,omitempty"`
	Stats      parcel.RunStats          `json:"stats"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Normalized *parcel.NormalizedParcel `json:"normalized,omitempty"`
}

// Sources looks up adapters by key; an empty key selects the default.
type Sources interface {
	Get(ctx context.Context, key string) (adapter.Adapter, error)
}

// RateLimiter blocks until source may be contacted.
type RateLimiter interface {
	Wait(ctx context.Context, source string) error
}

// Config tunes the orchestrator.
type Config struct {
	// Topic receives parcel.ingested notifications. Empty disables publishing.
	Topic string
	// BlobPrefix is prepended to archived raw bodies.
	BlobPrefix string
	// JobTimeout bounds the adapter phases of one request. Zero means none.
	JobTimeout time.Duration
}

// Deps are the collaborators. Only Sources is required; a nil Repository or
// AuditStore disables that persistence and the pipeline still returns the
// normalized parcel.
type Deps struct {
	Sources   Sources
	Repo      parcel.Repository
	Audit     parcel.AuditStore
	Blobs     parcel.BlobStore
	Publisher parcel.Publisher
	Limiter   RateLimiter
	Breakers  *resilience.Breakers
	Observer  Observer
	IDs       parcel.IDGenerator
	Clock     parcel.Clock
	Logger    *zap.Logger
}

// Pipeline runs ingestion requests. It is safe for concurrent use.
type Pipeline struct {
	sources   Sources
	repo      parcel.Repository
	audit     parcel.AuditStore
	blobs     parcel.BlobStore
	publisher parcel.Publisher
	limiter   RateLimiter
	breakers  *resilience.Breakers
	observer  Observer
	ids       parcel.IDGenerator
	clock     parcel.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Sources == nil {
		return nil, eris.New("pipeline requires a source registry")
	}
	p := &Pipeline{
		sources:   deps.Sources,
		repo:      deps.Repo,
		audit:     deps.Audit,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		limiter:   deps.Limiter,
		breakers:  deps.Breakers,
		observer:  deps.Observer,
		ids:       deps.IDs,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    deps.Logger,
	}
	if p.observer == nil {
		p.observer = NopObserver{}
	}
	if p.ids == nil {
		p.ids = uuid.NewUUIDGenerator()
	}
	if p.clock == nil {
		p.clock = system.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("pipeline")
	return p, nil
}

// StorageEnabled reports whether parcels are persisted.
func (p *Pipeline) StorageEnabled() bool {
	return p.repo != nil
}

// run carries one request's mutable state.
type run struct {
	record  parcel.IngestionRun
	job     parcel.IngestionJob
	source  parcel.SourceConfig
	adapter adapter.Adapter
	result  Result
	fetchID string
	logger  *zap.Logger
}

// Run executes req end to end and always returns a Result.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	started := p.clock.Now().UTC()
	runID := req.RunID
	if runID == "" {
		id, err := p.ids.NewID()
		if err != nil {
			return Result{Status: StatusFailed, Error: err.Error(), ErrorCode: parcel.CodeUnknown, SourceKey: req.SourceKey}
		}
		runID = id
	}
	r := &run{result: Result{RunID: runID, SourceKey: req.SourceKey}, logger: p.logger.With(zap.String("run_id", runID))}

	if err := req.Validate(); err != nil {
		r.fail(err)
		p.finish(ctx, r, started)
		return r.result
	}
	ad, err := p.sources.Get(ctx, req.SourceKey)
	if err != nil {
		r.fail(err)
		p.finish(ctx, r, started)
		return r.result
	}
	r.adapter = ad
	r.source = ad.Source()
	r.result.SourceKey = r.source.Key
	r.logger = r.logger.With(zap.String("source", r.source.Key))

	trigger := req.Trigger
	if trigger == "" {
		trigger = "api"
	}
	r.record = parcel.IngestionRun{
		ID:        runID,
		Trigger:   trigger,
		SourceKey: r.source.Key,
		Status:    parcel.RunStatusRunning,
		StartedAt: started,
	}
	p.auditWrite(ctx, r, "create run", func(ctx context.Context) error { return p.audit.CreateRun(ctx, r.record) })
	p.observer.OnRunStart(ctx, runID, r.source.Key, started)

	p.execute(ctx, r, req)
	p.finish(ctx, r, started)
	return r.result
}

func (p *Pipeline) execute(ctx context.Context, r *run, req Request) {
	if err := p.breakers.Allow(r.source.Key); err != nil {
		metrics.ObserveBreakerRejection(r.source.Key)
		r.fail(parcel.WrapError(parcel.CodeBlocked, "breaker", err).
			WithDebug("source", r.source.Key))
		return
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, r.source.Key); err != nil {
			r.fail(parcel.WrapError(parcel.CodeTimeout, "rate limit", err))
			return
		}
	}

	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	in := adapter.Input{Address: strings.TrimSpace(req.Address), ParcelID: strings.TrimSpace(req.ParcelID)}
	jobID, err := p.ids.NewID()
	if err != nil {
		r.fail(eris.Wrap(err, "new job id"))
		return
	}
	now := p.clock.Now().UTC()
	r.job = parcel.IngestionJob{
		ID:        jobID,
		RunID:     r.record.ID,
		SourceKey: r.source.Key,
		Target:    in.Target(),
		Status:    parcel.JobStatusQueued,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.auditWrite(ctx, r, "create job", func(ctx context.Context) error { return p.audit.CreateJob(ctx, r.job) })
	job := adapter.NewJob(r.record.ID, jobID, in)
	// The per-job cache never outlives the request, whatever the exit path.
	defer job.Reset()

	err = p.phases(jobCtx, ctx, r, job, req.Force)
	p.breakers.Record(r.source.Key, err)
	if err != nil {
		r.fail(err)
		p.setJob(ctx, r, parcel.JobStatusFailed, err.Error())
	}
}

// phases runs the adapter steps under jobCtx; persistence uses ctx so a job
// timeout does not lose the audit trail.
func (p *Pipeline) phases(jobCtx, ctx context.Context, r *run, job *adapter.JobContext, force bool) error {
	var resolution adapter.Resolution
	err := p.step(jobCtx, r, StepResolve, func(ctx context.Context, evt *StepEvent) error {
		var err error
		resolution, err = r.adapter.Resolve(ctx, job)
		if err == nil && !resolution.Found {
			evt.Note = "not found"
		}
		return err
	})
	if err != nil {
		return err
	}
	if !resolution.Found {
		r.skip(resolution)
		p.setJob(ctx, r, parcel.JobStatusSkipped, r.result.Reason)
		return nil
	}
	p.setJob(ctx, r, parcel.JobStatusFetching, "")

	var fetched adapter.Fetched
	err = p.step(jobCtx, r, StepFetch, func(ctx context.Context, evt *StepEvent) error {
		var err error
		fetched, err = r.adapter.Fetch(ctx, job)
		if err != nil {
			return err
		}
		evt.Status = fetched.ResponseStatus
		evt.Bytes = len(fetched.Body)
		return nil
	})
	if err != nil {
		return err
	}
	p.recordFetch(ctx, r, fetched)

	var extraction adapter.Extraction
	err = p.step(jobCtx, r, StepExtract, func(ctx context.Context, evt *StepEvent) error {
		var err error
		extraction, err = r.adapter.Extract(ctx, job)
		if err == nil && len(extraction.Warnings) > 0 {
			evt.Note = fmt.Sprintf("%d warnings", len(extraction.Warnings))
		}
		return err
	})
	if err != nil {
		return err
	}
	r.result.Warnings = extraction.Warnings
	p.recordArtifact(ctx, r, extraction)
	unchanged := !force && p.unchanged(ctx, r, resolution, fetched, extraction.ParserVersion)
	p.setJob(ctx, r, parcel.JobStatusParsed, "")

	var np parcel.NormalizedParcel
	err = p.step(jobCtx, r, StepNormalize, func(ctx context.Context, _ *StepEvent) error {
		var err error
		np, err = r.adapter.Normalize(ctx, job)
		return err
	})
	if err != nil {
		return err
	}
	r.result.Normalized = &np
	r.result.ParcelKey = np.Key.String()
	p.setJob(ctx, r, parcel.JobStatusNormalized, "")

	if p.repo == nil {
		r.logger.Warn("storage unavailable; returning normalized parcel without persisting")
		r.result.Status = StatusSuccess
		return nil
	}
	ref := parcel.FetchRef{
		SourceKey:     r.source.Key,
		RawFetchID:    r.fetchID,
		BodySHA256:    fetched.BodySHA256,
		ParserVersion: extraction.ParserVersion,
		ObservedAt:    np.ObservedAt,
	}
	err = p.step(ctx, r, StepStore, func(ctx context.Context, evt *StepEvent) error {
		if unchanged {
			evt.Note = "unchanged"
			return p.touch(ctx, r, np, ref)
		}
		return p.store(ctx, r, np, ref)
	})
	if err != nil {
		// Everything up to normalize worked; the caller still gets the parcel.
		r.partial(err)
		return nil
	}
	r.result.Status = StatusSuccess
	p.publish(ctx, r)
	return nil
}

// step brackets fn with observer events. A panicking adapter is converted
// into an error.
func (p *Pipeline) step(ctx context.Context, r *run, name string, fn func(ctx context.Context, evt *StepEvent) error) (err error) {
	evt := StepEvent{RunID: r.record.ID, Source: r.source.Key, Step: name, Start: p.clock.Now()}
	p.observer.OnStepStart(ctx, evt)
	r.logger.Debug("step started", zap.String("step", name))
	defer func() {
		if rec := recover(); rec != nil {
			err = parcel.NewError(parcel.CodeUnknown, name, fmt.Sprintf("panic: %v", rec))
		}
		evt.Duration = p.clock.Now().Sub(evt.Start)
		if evt.Duration < 0 {
			evt.Duration = 0
		}
		evt.OK = err == nil
		evt.Err = err
		p.observer.OnStepEnd(ctx, evt)
		r.logger.Debug("step finished",
			zap.String("step", name),
			zap.Bool("ok", evt.OK),
			zap.Duration("duration", evt.Duration),
		)
	}()
	return fn(ctx, &evt)
}

func (p *Pipeline) store(ctx context.Context, r *run, np parcel.NormalizedParcel, ref parcel.FetchRef) error {
	res, err := p.repo.StoreNormalizedParcel(ctx, np, ref)
	if err != nil {
		return storage.Wrap("store parcel", err)
	}
	r.result.ParcelID = res.ParcelID
	r.result.Stats = parcel.RunStats{
		ParcelsUpserted:     1,
		AssessmentsUpserted: res.AssessmentsUpserted,
		SalesInserted:       res.SalesInserted,
		SalesSkipped:        res.SalesSkipped,
	}
	r.logger.Info("parcel stored",
		zap.String("parcel_id", res.ParcelID),
		zap.Bool("created", res.ParcelCreated),
		zap.Int("sales_inserted", res.SalesInserted),
		zap.Int("sales_skipped", res.SalesSkipped),
	)
	return nil
}

// touch advances lastSeenAt without rewriting assessments or sales.
func (p *Pipeline) touch(ctx context.Context, r *run, np parcel.NormalizedParcel, ref parcel.FetchRef) error {
	id, _, err := p.repo.UpsertParcel(ctx, np, ref)
	if err != nil {
		return storage.Wrap("touch parcel", err)
	}
	r.result.ParcelID = id
	r.result.Stats = parcel.RunStats{ParcelsUpserted: 1, Unchanged: true}
	r.logger.Info("parcel unchanged", zap.String("parcel_id", id))
	return nil
}

// unchanged reports whether the stored canonical parcel came from the same
// body and the same parser version.
func (p *Pipeline) unchanged(ctx context.Context, r *run, res adapter.Resolution, f adapter.Fetched, parserVersion string) bool {
	if p.repo == nil || res.ParcelIDRaw == "" || f.BodySHA256 == "" {
		return false
	}
	key := parcel.NaturalKey{
		StateFIPS:    r.source.StateFIPS,
		CountyFIPS:   r.source.CountyFIPS,
		ParcelIDNorm: normalize.ParcelID(res.ParcelIDRaw),
	}
	if !key.Valid() {
		return false
	}
	view, err := p.repo.GetParcelByKey(ctx, key, parcel.LookupOptions{})
	if err != nil {
		if !errors.Is(err, parcel.ErrNotFound) {
			r.logger.Warn("canonical hash lookup failed", zap.Error(err))
		}
		return false
	}
	return view.Parcel.CanonicalBodyHash == f.BodySHA256 && view.Parcel.CanonicalParser == parserVersion
}

func (p *Pipeline) finish(ctx context.Context, r *run, started time.Time) {
	if r.result.Status == "" {
		r.result.Status = StatusFailed
	}
	finished := p.clock.Now().UTC()
	dur := finished.Sub(started)
	if r.record.ID != "" {
		r.record.Status = runStatus(r.result.Status)
		r.record.FinishedAt = &finished
		r.record.Stats = r.result.Stats
		r.record.Error = r.result.Error
		if r.record.Error == "" {
			r.record.Error = r.result.Reason
		}
		p.auditWrite(ctx, r, "finish run", func(ctx context.Context) error { return p.audit.FinishRun(ctx, r.record) })
		p.observer.OnRunEnd(ctx, r.result, dur)
	}
	source := r.result.SourceKey
	if source == "" {
		source = "unknown"
	}
	metrics.ObserveIngestion(source, string(r.result.Status))

	fields := []zap.Field{zap.String("status", string(r.result.Status)), zap.Duration("duration", dur)}
	switch r.result.Status {
	case StatusFailed:
		r.logger.Error("ingestion failed", append(fields,
			zap.String("code", string(r.result.ErrorCode)),
			zap.String("error", r.result.Error),
		)...)
	case StatusPartial:
		r.logger.Warn("ingestion partially succeeded", append(fields, zap.String("error", r.result.Error))...)
	default:
		r.logger.Info("ingestion finished", append(fields, zap.String("parcel_key", r.result.ParcelKey))...)
	}
}

func (p *Pipeline) setJob(ctx context.Context, r *run, status parcel.JobStatus, lastErr string) {
	if r.job.ID == "" {
		return
	}
	r.job.Status = status
	if lastErr != "" {
		r.job.LastError = lastErr
	}
	r.job.UpdatedAt = p.clock.Now().UTC()
	p.auditWrite(ctx, r, "update job", func(ctx context.Context) error { return p.audit.UpdateJob(ctx, r.job) })
}

// auditWrite runs fn when an audit store is configured. Failures are logged
// and never change the request outcome.
func (p *Pipeline) auditWrite(ctx context.Context, r *run, op string, fn func(ctx context.Context) error) {
	if p.audit == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("audit write failed", zap.String("op", op), zap.Error(err))
	}
}

func (r *run) fail(err error) {
	r.result.Status = StatusFailed
	r.result.Error = err.Error()
	r.result.ErrorCode = parcel.CodeOf(err)
	r.result.Debug = parcel.DebugOf(err)
}

func (r *run) partial(err error) {
	r.result.Status = StatusPartial
	r.result.Error = err.Error()
	r.result.ErrorCode = parcel.CodeOf(err)
}

func (r *run) skip(res adapter.Resolution) {
	r.result.Status = StatusSkipped
	r.result.Reason = res.Reason
	if r.result.Reason == "" {
		r.result.Reason = "no matching parcel found"
	}
	r.result.Debug = res.Debug
}

func runStatus(s Status) parcel.RunStatus {
	switch s {
	case StatusSuccess:
		return parcel.RunStatusSucceeded
	case StatusSkipped:
		return parcel.RunStatusSkipped
	case StatusPartial:
		return parcel.RunStatusPartial
	default:
		return parcel.RunStatusFailed
	}
}
