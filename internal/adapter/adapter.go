// Package adapter defines the four-phase source contract consumed by the
// ingestion pipeline and the scraper-backed implementation of it.
package adapter

import (
	"context"
	"time"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Input is one ingestion target. Address wins when both are set.
type Input struct {
	Address  string `json:"address,omitempty"`
	ParcelID string `json:"parcelId,omitempty"`
}

// Target renders the input for logs and job rows.
func (in Input) Target() string {
	if in.Address != "" {
		return in.Address
	}
	return in.ParcelID
}

// Resolution is the outcome of the resolve phase.
type Resolution struct {
	Found       bool           `json:"found"`
	ParcelIDRaw string         `json:"parcelIdRaw,omitempty"`
	DetailURL   string         `json:"detailUrl,omitempty"`
	Confidence  float64        `json:"confidence"`
	Candidates  []scraper.Row  `json:"candidates,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Debug       map[string]any `json:"debug,omitempty"`
}

// Fetched is the authoritative content of the detail page.
type Fetched struct {
	Body           []byte
	ContentType    string
	BodySHA256     string
	ResponseStatus int
	RequestURL     string
	FinalURL       string
	Method         string
	FetchedAt      time.Time
}

// Extraction is the structural parse of a Fetched body.
type Extraction struct {
	Raw           *scraper.RawPropertyRecord
	ParserVersion string
	DOMSignature  string
	Fields        map[string]any
	Warnings      []string
}

// Adapter is implemented once per source. Phases run in order against the
// same JobContext.
type Adapter interface {
	Source() parcel.SourceConfig
	Resolve(ctx context.Context, job *JobContext) (Resolution, error)
	Fetch(ctx context.Context, job *JobContext) (Fetched, error)
	Extract(ctx context.Context, job *JobContext) (Extraction, error)
	Normalize(ctx context.Context, job *JobContext) (parcel.NormalizedParcel, error)
}

// JobContext carries one job's identity and the in-flight state adapters
// pass between phases. It is never shared between jobs.
type JobContext struct {
	RunID string
	JobID string
	Input Input

	scrape    *scraper.Result
	fetched   *Fetched
	extracted *Extraction
}

// NewJob returns an empty context for one job.
func NewJob(runID, jobID string, in Input) *JobContext {
	return &JobContext{RunID: runID, JobID: jobID, Input: in}
}

// Reset drops cached phase results.
func (j *JobContext) Reset() {
	j.scrape, j.fetched, j.extracted = nil, nil, nil
}

// Cached reports whether any phase result is still held.
func (j *JobContext) Cached() bool {
	return j.scrape != nil || j.fetched != nil || j.extracted != nil
}
