package adapter

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/clock/system"
	"github.com/JakeFAU/parcel-ingest/internal/hash/sha256"
	"github.com/JakeFAU/parcel-ingest/internal/normalize"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

const defaultParserVersion = "v1"

type versioned interface {
	ParserVersion() string
}

type parcelIDPatterned interface {
	ParcelIDPattern() *regexp.Regexp
}

// ScraperAdapter runs one scrape during resolve and serves fetch and extract
// from that result.
type ScraperAdapter struct {
	scraper scraper.Scraper
	method  string
	clock   parcel.Clock
	hasher  parcel.Hasher
	logger  *zap.Logger
}

// Option customizes a ScraperAdapter.
type Option func(*ScraperAdapter)

// WithMethod sets the acquisition method recorded in provenance.
func WithMethod(method string) Option {
	return func(a *ScraperAdapter) { a.method = method }
}

// WithClock overrides the clock.
func WithClock(c parcel.Clock) Option {
	return func(a *ScraperAdapter) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *ScraperAdapter) { a.logger = l }
}

// NewScraperAdapter wraps s.
func NewScraperAdapter(s scraper.Scraper, opts ...Option) *ScraperAdapter {
	a := &ScraperAdapter{
		scraper: s,
		method:  "headless",
		clock:   system.New(),
		hasher:  sha256.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("adapter").With(zap.String("source", s.Source().Key))
	return a
}

var _ Adapter = (*ScraperAdapter)(nil)

func (a *ScraperAdapter) Source() parcel.SourceConfig { return a.scraper.Source() }

// ParserVersion reports the wrapped scraper's parser version.
func (a *ScraperAdapter) ParserVersion() string {
	if v, ok := a.scraper.(versioned); ok {
		return v.ParserVersion()
	}
	return defaultParserVersion
}

func (a *ScraperAdapter) Resolve(ctx context.Context, job *JobContext) (Resolution, error) {
	if job.Input.Address == "" && job.Input.ParcelID == "" {
		return Resolution{}, parcel.NewError(parcel.CodeParseError, "resolve", "address or parcel id required")
	}
	res, err := a.scraper.Scrape(ctx, scraper.Query{Address: job.Input.Address, ParcelID: job.Input.ParcelID})
	if err != nil {
		return Resolution{}, err
	}
	job.scrape = &res
	out := Resolution{
		Found:      res.Found,
		DetailURL:  res.FinalURL,
		Confidence: res.Confidence,
		Candidates: res.Candidates,
		Reason:     res.Reason,
		Debug:      res.Debug,
	}
	if res.Record != nil {
		out.ParcelIDRaw = res.Record.ParcelID
	}
	a.logger.Debug("resolved",
		zap.String("run_id", job.RunID),
		zap.Bool("found", res.Found),
		zap.Int("candidates", len(res.Candidates)),
	)
	return out, nil
}

// Fetch reuses the page captured during resolve, resolving first when the job
// has not been resolved yet.
func (a *ScraperAdapter) Fetch(ctx context.Context, job *JobContext) (Fetched, error) {
	if job.fetched != nil {
		return *job.fetched, nil
	}
	if job.scrape == nil {
		if _, err := a.Resolve(ctx, job); err != nil {
			return Fetched{}, err
		}
	}
	res := job.scrape
	if !res.Found || res.Document == "" {
		return Fetched{}, parcel.NewError(parcel.CodeNotFound, "fetch", "no detail page was resolved").
			WithDebug("reason", res.Reason)
	}
	body := []byte(res.Document)
	sum, err := a.hasher.Hash(body)
	if err != nil {
		return Fetched{}, eris.Wrap(err, "hash body")
	}
	fetchedAt := res.CompletedAt
	if fetchedAt.IsZero() {
		fetchedAt = a.clock.Now()
	}
	f := Fetched{
		Body:           body,
		ContentType:    "text/html; charset=utf-8",
		BodySHA256:     sum,
		ResponseStatus: res.Status,
		RequestURL:     res.RequestURL,
		FinalURL:       res.FinalURL,
		Method:         "GET",
		FetchedAt:      fetchedAt.UTC(),
	}
	job.fetched = &f
	return f, nil
}

func (a *ScraperAdapter) Extract(ctx context.Context, job *JobContext) (Extraction, error) {
	if job.extracted != nil {
		return *job.extracted, nil
	}
	f, err := a.Fetch(ctx, job)
	if err != nil {
		return Extraction{}, err
	}
	raw := job.scrape.Record
	if raw == nil {
		return Extraction{}, parcel.NewError(parcel.CodeParseError, "extract", "scrape produced no record")
	}
	fields, err := toFields(raw)
	if err != nil {
		return Extraction{}, err
	}
	ex := Extraction{
		Raw:           raw,
		ParserVersion: a.ParserVersion(),
		DOMSignature:  sha256.DOMSignature(string(f.Body)),
		Fields:        fields,
		Warnings:      raw.Warnings,
	}
	job.extracted = &ex
	return ex, nil
}

// Normalize maps the extracted record and clears the job's cached phases.
func (a *ScraperAdapter) Normalize(ctx context.Context, job *JobContext) (parcel.NormalizedParcel, error) {
	defer job.Reset()
	ex, err := a.Extract(ctx, job)
	if err != nil {
		return parcel.NormalizedParcel{}, err
	}
	meta := normalize.Meta{
		Source:     a.Source(),
		Method:     a.method,
		SourceURL:  job.fetched.FinalURL,
		ObservedAt: job.fetched.FetchedAt,
	}
	if p, ok := a.scraper.(parcelIDPatterned); ok {
		meta.ParcelIDPattern = p.ParcelIDPattern()
	}
	return normalize.Normalize(ex.Raw, meta)
}

func toFields(raw *scraper.RawPropertyRecord) (map[string]any, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, eris.Wrap(err, "encode extracted fields")
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, eris.Wrap(err, "decode extracted fields")
	}
	return fields, nil
}
