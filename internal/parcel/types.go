// Package parcel defines the domain types shared by the ingestion pipeline,
// the source adapters and the storage layer.
package parcel

import (
	"fmt"
	"slices"
	"time"
)

// RunStatus represents the lifecycle state of an ingestion run.
type RunStatus string

// Run status values persisted with each ingestion run.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusSkipped   RunStatus = "skipped"
)

// JobStatus tracks one resolve target inside a run.
type JobStatus string

// Job status values. A job moves queued -> fetching -> parsed -> normalized,
// or to failed. A target the source does not know ends skipped.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusFetching   JobStatus = "fetching"
	JobStatusParsed     JobStatus = "parsed"
	JobStatusNormalized JobStatus = "normalized"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSkipped    JobStatus = "skipped"
)

// Capability is a feature a source declares support for.
type Capability string

// Known source capabilities.
const (
	CapabilityAddressSearch Capability = "address_search"
	CapabilityParcelSearch  Capability = "parcel_search"
	CapabilitySalesHistory  Capability = "sales_history"
	CapabilityAssessments   Capability = "assessments"
	CapabilityBuildings     Capability = "buildings"
	CapabilityExtraFeatures Capability = "extra_features"
)

// RateLimit is the request budget a source tolerates.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"rps"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// RetryPolicy describes how many times a whole job may be attempted against a source.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	Multiplier     float64       `json:"multiplier" mapstructure:"multiplier"`
}

// SourceConfig describes a registered data provider.
type SourceConfig struct {
	Key          string       `json:"key"`
	DisplayName  string       `json:"display_name"`
	StateCode    string       `json:"state_code"`
	StateFIPS    string       `json:"state_fips"`
	CountyFIPS   string       `json:"county_fips"`
	BaseURL      string       `json:"base_url"`
	Capabilities []Capability `json:"capabilities"`
	RateLimit    RateLimit    `json:"rate_limit"`
	Retry        RetryPolicy  `json:"retry"`
}

// Has reports whether the source declares the capability.
func (c SourceConfig) Has(capability Capability) bool {
	return slices.Contains(c.Capabilities, capability)
}

// NaturalKey uniquely identifies a canonical parcel.
type NaturalKey struct {
	StateFIPS    string `json:"state_fips"`
	CountyFIPS   string `json:"county_fips"`
	ParcelIDNorm string `json:"parcel_id_norm"`
}

// String renders the key as state:county:parcel.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.StateFIPS, k.CountyFIPS, k.ParcelIDNorm)
}

// Valid reports whether every component is populated.
func (k NaturalKey) Valid() bool {
	return k.StateFIPS != "" && k.CountyFIPS != "" && k.ParcelIDNorm != ""
}

// RunStats are the aggregate counts recorded when a run finishes.
type RunStats struct {
	ParcelsUpserted     int  `json:"parcels_upserted"`
	AssessmentsUpserted int  `json:"assessments_upserted"`
	SalesInserted       int  `json:"sales_inserted"`
	SalesSkipped        int  `json:"sales_skipped"`
	Unchanged           bool `json:"unchanged,omitempty"`
}

// IngestionRun is one end-to-end ingestion attempt.
type IngestionRun struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	SourceKey  string     `json:"source_key"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Stats      RunStats   `json:"stats"`
	Error      string     `json:"error,omitempty"`
}

// IngestionJob is one address or parcel-id target inside a run.
type IngestionJob struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	SourceKey string    `json:"source_key"`
	Target    string    `json:"target"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawFetch is an immutable snapshot of one HTTP or browser response.
type RawFetch struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	JobID          string    `json:"job_id"`
	SourceKey      string    `json:"source_key"`
	RequestURL     string    `json:"request_url"`
	RequestMethod  string    `json:"request_method"`
	ResponseStatus int       `json:"response_status"`
	ContentType    string    `json:"content_type"`
	Body           []byte    `json:"-"`
	BodySHA256     string    `json:"body_sha256"`
	BlobURI        string    `json:"blob_uri,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// ParseArtifact is the source-specific structured extraction of a RawFetch.
type ParseArtifact struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	RawFetchID    string         `json:"raw_fetch_id"`
	ParserVersion string         `json:"parser_version"`
	DOMSignature  string         `json:"dom_signature"`
	Fields        map[string]any `json:"fields"`
	Warnings      []string       `json:"warnings,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// StepRecord is a persisted observability event for one pipeline phase.
type StepRecord struct {
	RunID     string        `json:"run_id"`
	SourceKey string        `json:"source_key"`
	Step      string        `json:"step"`
	OK        bool          `json:"ok"`
	Duration  time.Duration `json:"duration"`
	Note      string        `json:"note,omitempty"`
	At        time.Time     `json:"at"`
}

// Address is a postal address in normalized, uppercased form.
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Unit  string `json:"unit,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
	Full  string `json:"full"`
}

// IsZero reports whether the address carries no information.
func (a Address) IsZero() bool {
	return a.Full == "" && a.Line1 == ""
}

// Land holds land attributes. Nil pointers mean the source did not report the value.
type Land struct {
	Acres          *float64 `json:"acres,omitempty"`
	SquareFeet     *float64 `json:"square_feet,omitempty"`
	UseCode        string   `json:"use_code,omitempty"`
	UseDescription string   `json:"use_description,omitempty"`
	Zoning         string   `json:"zoning,omitempty"`
	Subdivision    string   `json:"subdivision,omitempty"`
	LegalText      string   `json:"legal_text,omitempty"`
}

// Building is one structure on the parcel.
type Building struct {
	Number       int      `json:"number,omitempty"`
	Type         string   `json:"type,omitempty"`
	YearBuilt    *int     `json:"year_built,omitempty"`
	LivingArea   *float64 `json:"living_area,omitempty"`
	GrossArea    *float64 `json:"gross_area,omitempty"`
	Bedrooms     *float64 `json:"bedrooms,omitempty"`
	Bathrooms    *float64 `json:"bathrooms,omitempty"`
	Stories      *float64 `json:"stories,omitempty"`
	Construction string   `json:"construction,omitempty"`
}

// ExtraFeature is a non-building improvement such as a pool or dock.
type ExtraFeature struct {
	Code        string   `json:"code,omitempty"`
	Description string   `json:"description"`
	Units       *float64 `json:"units,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	YearBuilt   *int     `json:"year_built,omitempty"`
}

// Improvements summarize the structures on a parcel.
type Improvements struct {
	YearBuilt     *int           `json:"year_built,omitempty"`
	LivingArea    *float64       `json:"living_area,omitempty"`
	Bedrooms      *float64       `json:"bedrooms,omitempty"`
	Bathrooms     *float64       `json:"bathrooms,omitempty"`
	Buildings     []Building     `json:"buildings,omitempty"`
	ExtraFeatures []ExtraFeature `json:"extra_features,omitempty"`
}

// Assessment is a year-indexed valuation snapshot.
type Assessment struct {
	TaxYear          int      `json:"tax_year"`
	JustValue        *float64 `json:"just_value,omitempty"`
	AssessedValue    *float64 `json:"assessed_value,omitempty"`
	TaxableValue     *float64 `json:"taxable_value,omitempty"`
	LandValue        *float64 `json:"land_value,omitempty"`
	ImprovementValue *float64 `json:"improvement_value,omitempty"`
	ExemptionValue   *float64 `json:"exemption_value,omitempty"`
	Exemptions       []string `json:"exemptions,omitempty"`
	Taxes            *float64 `json:"taxes,omitempty"`
}

// Sale is one transfer event.
type Sale struct {
	Date          *time.Time `json:"date,omitempty"`
	Price         *float64   `json:"price,omitempty"`
	Book          string     `json:"book,omitempty"`
	Page          string     `json:"page,omitempty"`
	Instrument    string     `json:"instrument,omitempty"`
	DeedType      string     `json:"deed_type,omitempty"`
	Grantor       string     `json:"grantor,omitempty"`
	Grantee       string     `json:"grantee,omitempty"`
	Qualified     *bool      `json:"qualified,omitempty"`
	SaleKeySHA256 string     `json:"sale_key_sha256"`
}

// BookPage renders the official-records reference as book/page.
func (s Sale) BookPage() string {
	if s.Book == "" && s.Page == "" {
		return ""
	}
	return s.Book + "/" + s.Page
}

// Provenance records where a field group came from.
type Provenance struct {
	Source     string    `json:"source"`
	Method     string    `json:"method"`
	SourceURL  string    `json:"source_url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Field group names used as provenance keys.
const (
	FieldParcelID     = "parcelId"
	FieldSitusAddress = "situsAddress"
	FieldOwnerName    = "ownerName"
	FieldLand         = "land"
	FieldImprovements = "improvements"
	FieldAssessments  = "assessments"
	FieldSales        = "sales"
)

// NormalizedParcel is the canonical output of an adapter's normalize phase.
type NormalizedParcel struct {
	SourceKey      string                `json:"source_key"`
	Key            NaturalKey            `json:"key"`
	ParcelIDRaw    string                `json:"parcel_id_raw"`
	SitusAddress   Address               `json:"situs_address"`
	MailingAddress *Address              `json:"mailing_address,omitempty"`
	OwnerName      string                `json:"owner_name,omitempty"`
	Land           *Land                 `json:"land,omitempty"`
	Improvements   *Improvements         `json:"improvements,omitempty"`
	Assessments    []Assessment          `json:"assessments"`
	Sales          []Sale                `json:"sales"`
	Provenance     map[string]Provenance `json:"provenance"`
	Confidence     float64               `json:"confidence"`
	DetailURL      string                `json:"detail_url,omitempty"`
	ObservedAt     time.Time             `json:"observed_at"`
}

// Parcel is the long-lived canonical record keyed by its NaturalKey.
type Parcel struct {
	ID                 string        `json:"id"`
	Key                NaturalKey    `json:"key"`
	ParcelIDRaw        string        `json:"parcel_id_raw"`
	SitusAddress       Address       `json:"situs_address"`
	MailingAddress     *Address      `json:"mailing_address,omitempty"`
	OwnerName          string        `json:"owner_name,omitempty"`
	Land               *Land         `json:"land,omitempty"`
	Improvements       *Improvements `json:"improvements,omitempty"`
	Confidence         float64       `json:"confidence"`
	CanonicalSourceKey string        `json:"canonical_source_key"`
	CanonicalFetchID   string        `json:"canonical_fetch_id,omitempty"`
	CanonicalBodyHash  string        `json:"canonical_body_sha256,omitempty"`
	CanonicalParser    string        `json:"canonical_parser_version,omitempty"`
	FirstSeenAt        time.Time     `json:"first_seen_at"`
	LastSeenAt         time.Time     `json:"last_seen_at"`
}

// ParcelAssessment is a persisted assessment row.
type ParcelAssessment struct {
	ID       string `json:"id"`
	ParcelID string `json:"parcel_id"`
	Assessment
	UpdatedAt time.Time `json:"updated_at"`
}

// ParcelSale is a persisted sale row.
type ParcelSale struct {
	ID       string `json:"id"`
	ParcelID string `json:"parcel_id"`
	Sale
	CreatedAt time.Time `json:"created_at"`
}

// ParcelView is a parcel together with its optional child rows.
type ParcelView struct {
	Parcel      Parcel             `json:"parcel"`
	Assessments []ParcelAssessment `json:"assessments,omitempty"`
	Sales       []ParcelSale       `json:"sales,omitempty"`
}

// FetchRef points the canonical parcel at the fetch that produced it.
type FetchRef struct {
	SourceKey  string
	RawFetchID string
	BodySHA256 string
	// ParserVersion names the extractor that produced the parcel.
	ParserVersion string
	ObservedAt    time.Time
}

// StoreResult aggregates the counts produced by StoreNormalizedParcel.
type StoreResult struct {
	ParcelID            string `json:"parcel_id"`
	ParcelCreated       bool   `json:"parcel_created"`
	AssessmentsUpserted int    `json:"assessments_upserted"`
	SalesInserted       int    `json:"sales_inserted"`
	SalesSkipped        int    `json:"sales_skipped"`
}

// LookupOptions controls which child rows a parcel lookup includes.
type LookupOptions struct {
	IncludeAssessments bool
	IncludeSales       bool
}
