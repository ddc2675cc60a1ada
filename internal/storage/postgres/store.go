// Package postgres persists parcels and the ingestion audit trail in Postgres
// through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// Store implements parcel.Store on Postgres.
type Store struct {
	db  DB
	ids parcel.IDGenerator
	now func() time.Time
}

var _ parcel.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, parcel.NewError(parcel.CodeConfigMissing, "connect postgres", "storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithPool(pool, nil)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(db DB, ids parcel.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	return &Store{db: db, ids: ids, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// upserter runs the per-entity upserts against a pool or a transaction.
type upserter struct {
	q   querier
	ids parcel.IDGenerator
	now func() time.Time
}

func (s *Store) upserter(q querier) upserter {
	return upserter{q: q, ids: s.ids, now: s.now}
}

// UpsertParcel inserts the parcel or updates the row with the same natural key.
func (s *Store) UpsertParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (string, bool, error) {
	return s.upserter(s.db).UpsertParcel(ctx, np, ref)
}

// UpsertAssessments writes one row per tax year, overwriting an existing year.
func (s *Store) UpsertAssessments(ctx context.Context, parcelID string, assessments []parcel.Assessment) (int, error) {
	return s.upserter(s.db).UpsertAssessments(ctx, parcelID, assessments)
}

// UpsertSales inserts sales with new keys and counts the duplicates it skipped.
func (s *Store) UpsertSales(ctx context.Context, parcelID string, sales []parcel.Sale) (int, int, error) {
	return s.upserter(s.db).UpsertSales(ctx, parcelID, sales)
}

// StoreNormalizedParcel writes the parcel, assessments and sales in one transaction.
func (s *Store) StoreNormalizedParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (parcel.StoreResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return parcel.StoreResult{}, storage.Wrap("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	res, err := storage.StoreNormalized(ctx, s.upserter(tx), np, ref)
	if err != nil {
		return parcel.StoreResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return parcel.StoreResult{}, storage.Wrap("commit transaction", err)
	}
	return res, nil
}

const upsertParcelSQL = `
INSERT INTO parcels (
	id, state_fips, county_fips, parcel_id_norm, parcel_id_raw,
	situs_address, mailing_address, owner_name, land, improvements,
	confidence, canonical_source_key, canonical_fetch_id, canonical_body_sha256,
	canonical_parser_version, first_seen_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (state_fips, county_fips, parcel_id_norm) DO UPDATE SET
	parcel_id_raw = EXCLUDED.parcel_id_raw,
	situs_address = EXCLUDED.situs_address,
	mailing_address = EXCLUDED.mailing_address,
	owner_name = EXCLUDED.owner_name,
	land = EXCLUDED.land,
	improvements = EXCLUDED.improvements,
	confidence = EXCLUDED.confidence,
	canonical_source_key = EXCLUDED.canonical_source_key,
	canonical_fetch_id = EXCLUDED.canonical_fetch_id,
	canonical_body_sha256 = EXCLUDED.canonical_body_sha256,
	canonical_parser_version = EXCLUDED.canonical_parser_version,
	last_seen_at = GREATEST(parcels.last_seen_at, EXCLUDED.last_seen_at)
RETURNING id::text, (xmax = 0) AS created`

func (u upserter) UpsertParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (string, bool, error) {
	if !np.Key.Valid() {
		return "", false, parcel.NewError(parcel.CodeStorageFailed, "upsert parcel", "natural key is incomplete")
	}
	row := storage.ParcelFromNormalized(np, ref)
	storage.Stamp(&row, u.now())
	newID, err := u.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("parcel id: %w", err)
	}
	situs, err := json.Marshal(row.SitusAddress)
	if err != nil {
		return "", false, fmt.Errorf("marshal situs: %w", err)
	}
	mailing, err := nullableJSON(row.MailingAddress, row.MailingAddress == nil)
	if err != nil {
		return "", false, err
	}
	land, err := nullableJSON(row.Land, row.Land == nil)
	if err != nil {
		return "", false, err
	}
	improvements, err := nullableJSON(row.Improvements, row.Improvements == nil)
	if err != nil {
		return "", false, err
	}
	var (
		id      string
		created bool
	)
	err = u.q.QueryRow(ctx, upsertParcelSQL,
		newID,
		row.Key.StateFIPS,
		row.Key.CountyFIPS,
		row.Key.ParcelIDNorm,
		row.ParcelIDRaw,
		situs,
		mailing,
		row.OwnerName,
		land,
		improvements,
		row.Confidence,
		row.CanonicalSourceKey,
		row.CanonicalFetchID,
		row.CanonicalBodyHash,
		row.CanonicalParser,
		row.FirstSeenAt,
		row.LastSeenAt,
	).Scan(&id, &created)
	if err != nil {
		return "", false, storage.Wrap("upsert parcel", err)
	}
	return id, created, nil
}

const upsertAssessmentSQL = `
INSERT INTO parcel_assessments (
	id, parcel_id, tax_year, just_value, assessed_value, taxable_value,
	land_value, improvement_value, exemption_value, exemptions, taxes, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (parcel_id, tax_year) DO UPDATE SET
	just_value = EXCLUDED.just_value,
	assessed_value = EXCLUDED.assessed_value,
	taxable_value = EXCLUDED.taxable_value,
	land_value = EXCLUDED.land_value,
	improvement_value = EXCLUDED.improvement_value,
	exemption_value = EXCLUDED.exemption_value,
	exemptions = EXCLUDED.exemptions,
	taxes = EXCLUDED.taxes,
	updated_at = EXCLUDED.updated_at`

func (u upserter) UpsertAssessments(ctx context.Context, parcelID string, assessments []parcel.Assessment) (int, error) {
	now := u.now()
	for _, a := range assessments {
		id, err := u.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("assessment id: %w", err)
		}
		exemptions, err := json.Marshal(emptyIfNil(a.Exemptions))
		if err != nil {
			return 0, fmt.Errorf("marshal exemptions: %w", err)
		}
		if _, err := u.q.Exec(ctx, upsertAssessmentSQL,
			id, parcelID, a.TaxYear,
			a.JustValue, a.AssessedValue, a.TaxableValue,
			a.LandValue, a.ImprovementValue, a.ExemptionValue,
			exemptions, a.Taxes, now,
		); err != nil {
			return 0, storage.Wrap("upsert assessment", err)
		}
	}
	return len(assessments), nil
}

const insertSaleSQL = `
INSERT INTO parcel_sales (
	id, parcel_id, sale_key_sha256, sale_date, price, book, page,
	instrument, deed_type, grantor, grantee, qualified, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (parcel_id, sale_key_sha256) DO NOTHING`

func (u upserter) UpsertSales(ctx context.Context, parcelID string, sales []parcel.Sale) (int, int, error) {
	inserted, skipped := 0, 0
	now := u.now()
	for _, sale := range sales {
		id, err := u.ids.NewID()
		if err != nil {
			return inserted, skipped, fmt.Errorf("sale id: %w", err)
		}
		tag, err := u.q.Exec(ctx, insertSaleSQL,
			id, parcelID, sale.SaleKeySHA256, sale.Date, sale.Price,
			sale.Book, sale.Page, sale.Instrument, sale.DeedType,
			sale.Grantor, sale.Grantee, sale.Qualified, now,
		)
		if err != nil {
			return inserted, skipped, storage.Wrap("insert sale", err)
		}
		if tag.RowsAffected() == 0 {
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

const selectParcelSQL = `
SELECT id::text, state_fips, county_fips, parcel_id_norm, parcel_id_raw,
	situs_address, mailing_address, owner_name, land, improvements,
	confidence, canonical_source_key, canonical_fetch_id, canonical_body_sha256,
	canonical_parser_version, first_seen_at, last_seen_at
FROM parcels`

// GetParcel loads a parcel by id.
func (s *Store) GetParcel(ctx context.Context, id string, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	row := s.db.QueryRow(ctx, selectParcelSQL+` WHERE id = $1`, id)
	return s.loadView(ctx, row, opts)
}

// GetParcelByKey loads a parcel by natural key.
func (s *Store) GetParcelByKey(ctx context.Context, key parcel.NaturalKey, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	row := s.db.QueryRow(ctx, selectParcelSQL+` WHERE state_fips = $1 AND county_fips = $2 AND parcel_id_norm = $3`,
		key.StateFIPS, key.CountyFIPS, key.ParcelIDNorm)
	return s.loadView(ctx, row, opts)
}

func (s *Store) loadView(ctx context.Context, row pgx.Row, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	p, err := scanParcel(row)
	if err != nil {
		return parcel.ParcelView{}, err
	}
	view := parcel.ParcelView{Parcel: p}
	if opts.IncludeAssessments {
		if view.Assessments, err = s.assessments(ctx, p.ID); err != nil {
			return parcel.ParcelView{}, err
		}
	}
	if opts.IncludeSales {
		if view.Sales, err = s.sales(ctx, p.ID); err != nil {
			return parcel.ParcelView{}, err
		}
	}
	return view, nil
}

func scanParcel(row pgx.Row) (parcel.Parcel, error) {
	var (
		p                                 parcel.Parcel
		situs, mailing, land, improvement []byte
	)
	err := row.Scan(
		&p.ID, &p.Key.StateFIPS, &p.Key.CountyFIPS, &p.Key.ParcelIDNorm, &p.ParcelIDRaw,
		&situs, &mailing, &p.OwnerName, &land, &improvement,
		&p.Confidence, &p.CanonicalSourceKey, &p.CanonicalFetchID, &p.CanonicalBodyHash,
		&p.CanonicalParser, &p.FirstSeenAt, &p.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return parcel.Parcel{}, parcel.ErrNotFound
	}
	if err != nil {
		return parcel.Parcel{}, storage.Wrap("select parcel", err)
	}
	if err := json.Unmarshal(situs, &p.SitusAddress); err != nil {
		return parcel.Parcel{}, fmt.Errorf("decode situs: %w", err)
	}
	if present(mailing) {
		p.MailingAddress = &parcel.Address{}
		if err := json.Unmarshal(mailing, p.MailingAddress); err != nil {
			return parcel.Parcel{}, fmt.Errorf("decode mailing: %w", err)
		}
	}
	if present(land) {
		p.Land = &parcel.Land{}
		if err := json.Unmarshal(land, p.Land); err != nil {
			return parcel.Parcel{}, fmt.Errorf("decode land: %w", err)
		}
	}
	if present(improvement) {
		p.Improvements = &parcel.Improvements{}
		if err := json.Unmarshal(improvement, p.Improvements); err != nil {
			return parcel.Parcel{}, fmt.Errorf("decode improvements: %w", err)
		}
	}
	return p, nil
}

func (s *Store) assessments(ctx context.Context, parcelID string) ([]parcel.ParcelAssessment, error) {
	rows, err := s.db.Query(ctx, `
SELECT id::text, parcel_id::text, tax_year, just_value, assessed_value, taxable_value,
	land_value, improvement_value, exemption_value, exemptions, taxes, updated_at
FROM parcel_assessments WHERE parcel_id = $1 ORDER BY tax_year DESC`, parcelID)
	if err != nil {
		return nil, storage.Wrap("select assessments", err)
	}
	defer rows.Close()
	var out []parcel.ParcelAssessment
	for rows.Next() {
		var (
			a          parcel.ParcelAssessment
			exemptions []byte
		)
		if err := rows.Scan(&a.ID, &a.ParcelID, &a.TaxYear, &a.JustValue, &a.AssessedValue, &a.TaxableValue,
			&a.LandValue, &a.ImprovementValue, &a.ExemptionValue, &exemptions, &a.Taxes, &a.UpdatedAt); err != nil {
			return nil, storage.Wrap("scan assessment", err)
		}
		if len(exemptions) > 0 {
			if err := json.Unmarshal(exemptions, &a.Exemptions); err != nil {
				return nil, fmt.Errorf("decode exemptions: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("iterate assessments", err)
	}
	return out, nil
}

func (s *Store) sales(ctx context.Context, parcelID string) ([]parcel.ParcelSale, error) {
	rows, err := s.db.Query(ctx, `
SELECT id::text, parcel_id::text, sale_key_sha256, sale_date, price, book, page,
	instrument, deed_type, grantor, grantee, qualified, created_at
FROM parcel_sales WHERE parcel_id = $1 ORDER BY sale_date DESC NULLS LAST, sale_key_sha256`, parcelID)
	if err != nil {
		return nil, storage.Wrap("select sales", err)
	}
	defer rows.Close()
	var out []parcel.ParcelSale
	for rows.Next() {
		var sale parcel.ParcelSale
		if err := rows.Scan(&sale.ID, &sale.ParcelID, &sale.SaleKeySHA256, &sale.Date, &sale.Price,
			&sale.Book, &sale.Page, &sale.Instrument, &sale.DeedType, &sale.Grantor, &sale.Grantee,
			&sale.Qualified, &sale.CreatedAt); err != nil {
			return nil, storage.Wrap("scan sale", err)
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("iterate sales", err)
	}
	return out, nil
}

func nullableJSON(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func present(b []byte) bool {
	return len(b) > 0 && string(b) != "null"
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
