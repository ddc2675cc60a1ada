package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

type assessmentKey struct {
	parcelID string
	taxYear  int
}

type saleKey struct {
	parcelID string
	hash     string
}

// Store implements parcel.Store in memory with the same upsert semantics as
// the SQL backends.
type Store struct {
	mu          sync.RWMutex
	ids         parcel.IDGenerator
	now         func() time.Time
	parcels     map[string]parcel.Parcel
	byKey       map[parcel.NaturalKey]string
	assessments map[assessmentKey]parcel.ParcelAssessment
	sales       map[saleKey]parcel.ParcelSale
	runs        map[string]parcel.IngestionRun
	jobs        map[string]parcel.IngestionJob
	fetches     map[string]parcel.RawFetch
	artifacts   map[string]parcel.ParseArtifact
	steps       []parcel.StepRecord
}

var _ parcel.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		ids:         uuid.NewUUIDGenerator(),
		now:         func() time.Time { return time.Now().UTC() },
		parcels:     map[string]parcel.Parcel{},
		byKey:       map[parcel.NaturalKey]string{},
		assessments: map[assessmentKey]parcel.ParcelAssessment{},
		sales:       map[saleKey]parcel.ParcelSale{},
		runs:        map[string]parcel.IngestionRun{},
		jobs:        map[string]parcel.IngestionJob{},
		fetches:     map[string]parcel.RawFetch{},
		artifacts:   map[string]parcel.ParseArtifact{},
	}
}

// Close implements parcel.Store.
func (s *Store) Close() {}

// UpsertParcel finds the parcel by natural key, updating it in place, or inserts it.
func (s *Store) UpsertParcel(_ context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (string, bool, error) {
	if !np.Key.Valid() {
		return "", false, parcel.NewError(parcel.CodeStorageFailed, "upsert parcel", "natural key is incomplete")
	}
	row := storage.ParcelFromNormalized(np, ref)
	storage.Stamp(&row, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[np.Key]; ok {
		prev := s.parcels[id]
		row.ID = id
		row.FirstSeenAt = prev.FirstSeenAt
		if row.LastSeenAt.Before(prev.LastSeenAt) {
			row.LastSeenAt = prev.LastSeenAt
		}
		s.parcels[id] = row
		return id, false, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", false, eris.Wrap(err, "parcel id")
	}
	row.ID = id
	s.parcels[id] = row
	s.byKey[np.Key] = id
	return id, true, nil
}

// UpsertAssessments writes one row per tax year, overwriting an existing year.
func (s *Store) UpsertAssessments(_ context.Context, parcelID string, assessments []parcel.Assessment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parcels[parcelID]; !ok {
		return 0, parcel.ErrNotFound
	}
	now := s.now()
	for _, a := range assessments {
		key := assessmentKey{parcelID: parcelID, taxYear: a.TaxYear}
		row, ok := s.assessments[key]
		if !ok {
			id, err := s.ids.NewID()
			if err != nil {
				return 0, eris.Wrap(err, "assessment id")
			}
			row = parcel.ParcelAssessment{ID: id, ParcelID: parcelID}
		}
		row.Assessment = a
		row.UpdatedAt = now
		s.assessments[key] = row
	}
	return len(assessments), nil
}

// UpsertSales inserts sales whose key is new and skips the rest.
func (s *Store) UpsertSales(_ context.Context, parcelID string, sales []parcel.Sale) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parcels[parcelID]; !ok {
		return 0, 0, parcel.ErrNotFound
	}
	inserted, skipped := 0, 0
	now := s.now()
	for _, sale := range sales {
		key := saleKey{parcelID: parcelID, hash: sale.SaleKeySHA256}
		if _, ok := s.sales[key]; ok {
			skipped++
			continue
		}
		id, err := s.ids.NewID()
		if err != nil {
			return inserted, skipped, eris.Wrap(err, "sale id")
		}
		s.sales[key] = parcel.ParcelSale{ID: id, ParcelID: parcelID, Sale: sale, CreatedAt: now}
		inserted++
	}
	return inserted, skipped, nil
}

// StoreNormalizedParcel upserts the parcel with its assessments and sales.
func (s *Store) StoreNormalizedParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (parcel.StoreResult, error) {
	return storage.StoreNormalized(ctx, s, np, ref)
}

// GetParcel returns the parcel with id.
func (s *Store) GetParcel(_ context.Context, id string, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parcels[id]
	if !ok {
		return parcel.ParcelView{}, parcel.ErrNotFound
	}
	return s.view(p, opts), nil
}

// GetParcelByKey returns the parcel with the natural key.
func (s *Store) GetParcelByKey(_ context.Context, key parcel.NaturalKey, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return parcel.ParcelView{}, parcel.ErrNotFound
	}
	return s.view(s.parcels[id], opts), nil
}

func (s *Store) view(p parcel.Parcel, opts parcel.LookupOptions) parcel.ParcelView {
	v := parcel.ParcelView{Parcel: p}
	if opts.IncludeAssessments {
		for k, a := range s.assessments {
			if k.parcelID == p.ID {
				v.Assessments = append(v.Assessments, a)
			}
		}
		slices.SortFunc(v.Assessments, func(a, b parcel.ParcelAssessment) int {
			return cmp.Compare(b.TaxYear, a.TaxYear)
		})
	}
	if opts.IncludeSales {
		for k, sale := range s.sales {
			if k.parcelID == p.ID {
				v.Sales = append(v.Sales, sale)
			}
		}
		slices.SortFunc(v.Sales, compareSales)
	}
	return v
}

// compareSales orders newest first with undated sales last, then by key.
func compareSales(a, b parcel.ParcelSale) int {
	switch {
	case a.Date == nil && b.Date == nil:
	case a.Date == nil:
		return 1
	case b.Date == nil:
		return -1
	default:
		if c := b.Date.Compare(*a.Date); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.SaleKeySHA256, b.SaleKeySHA256)
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run parcel.IngestionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return eris.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(_ context.Context, run parcel.IngestionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return parcel.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (parcel.IngestionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return parcel.IngestionRun{}, parcel.ErrNotFound
	}
	return run, nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job parcel.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return eris.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces a job's mutable state.
func (s *Store) UpdateJob(_ context.Context, job parcel.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return parcel.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// RecordRawFetch stores an immutable fetch snapshot.
func (s *Store) RecordRawFetch(_ context.Context, fetch parcel.RawFetch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.fetches[fetch.ID]; exists {
		return eris.Errorf("raw fetch %s already exists", fetch.ID)
	}
	fetch.Body = append([]byte(nil), fetch.Body...)
	s.fetches[fetch.ID] = fetch
	return nil
}

// RecordParseArtifact stores an extraction result.
func (s *Store) RecordParseArtifact(_ context.Context, artifact parcel.ParseArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = artifact
	return nil
}

// RecordSteps appends step records.
func (s *Store) RecordSteps(_ context.Context, steps []parcel.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
	return nil
}

// Jobs returns the jobs of a run.
func (s *Store) Jobs(runID string) []parcel.IngestionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []parcel.IngestionJob
	for _, j := range s.jobs {
		if j.RunID == runID {
			out = append(out, j)
		}
	}
	return out
}

// RawFetches returns the fetches of a run.
func (s *Store) RawFetches(runID string) []parcel.RawFetch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []parcel.RawFetch
	for _, f := range s.fetches {
		if f.RunID == runID {
			out = append(out, f)
		}
	}
	return out
}

// ParseArtifacts returns the artifacts of a run.
func (s *Store) ParseArtifacts(runID string) []parcel.ParseArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []parcel.ParseArtifact
	for _, a := range s.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out
}

// Steps returns a copy of all recorded steps.
func (s *Store) Steps() []parcel.StepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.steps)
}

// Counts reports how many parcels, assessments and sales are stored.
func (s *Store) Counts() (parcels, assessments, sales int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parcels), len(s.assessments), len(s.sales)
}
