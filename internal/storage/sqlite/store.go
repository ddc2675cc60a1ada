// Package sqlite is a single-file parcel.Store for local runs and tests,
// backed by the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements parcel.Store on SQLite.
type Store struct {
	db  *sql.DB
	ids parcel.IDGenerator
	now func() time.Time
}

var _ parcel.Store = (*Store)(nil)

// New opens the database at dsn, applies pragmas and creates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, parcel.NewError(parcel.CodeConfigMissing, "open sqlite", "storage.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &Store{
		db:  db,
		ids: uuid.NewUUIDGenerator(),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates any missing tables and columns.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('parcels') WHERE name = 'canonical_parser_version'`).Scan(&n)
	if err != nil {
		return eris.Wrap(err, "sqlite: inspect parcels")
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `ALTER TABLE parcels ADD COLUMN canonical_parser_version TEXT NOT NULL DEFAULT ''`)
		return eris.Wrap(err, "sqlite: add canonical_parser_version")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() {
	_ = s.db.Close()
}

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

// UpsertAssessments writes one row per tax year.
func (s *Store) UpsertAssessments(ctx context.Context, parcelID string, assessments []parcel.Assessment) (int, error) {
	return s.upserter(s.db).UpsertAssessments(ctx, parcelID, assessments)
}

// UpsertSales inserts new sales and skips known sale keys.
func (s *Store) UpsertSales(ctx context.Context, parcelID string, sales []parcel.Sale) (int, int, error) {
	return s.upserter(s.db).UpsertSales(ctx, parcelID, sales)
}

// StoreNormalizedParcel writes the parcel, assessments and sales in one transaction.
func (s *Store) StoreNormalizedParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (parcel.StoreResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return parcel.StoreResult{}, storage.Wrap("sqlite: begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	res, err := storage.StoreNormalized(ctx, s.upserter(tx), np, ref)
	if err != nil {
		return parcel.StoreResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return parcel.StoreResult{}, storage.Wrap("sqlite: commit", err)
	}
	return res, nil
}

func (u upserter) UpsertParcel(ctx context.Context, np parcel.NormalizedParcel, ref parcel.FetchRef) (string, bool, error) {
	if !np.Key.Valid() {
		return "", false, parcel.NewError(parcel.CodeStorageFailed, "upsert parcel", "natural key is incomplete")
	}
	row := storage.ParcelFromNormalized(np, ref)
	storage.Stamp(&row, u.now())
	situs, err := json.Marshal(row.SitusAddress)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: marshal situs")
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
	seen := formatTime(row.LastSeenAt)

	var existing string
	err = u.q.QueryRowContext(ctx,
		`SELECT id FROM parcels WHERE state_fips = ? AND county_fips = ? AND parcel_id_norm = ?`,
		row.Key.StateFIPS, row.Key.CountyFIPS, row.Key.ParcelIDNorm,
	).Scan(&existing)
	switch {
	case err == nil:
		_, err = u.q.ExecContext(ctx, `
UPDATE parcels SET
	parcel_id_raw = ?, situs_address = ?, mailing_address = ?, owner_name = ?,
	land = ?, improvements = ?, confidence = ?, canonical_source_key = ?,
	canonical_fetch_id = ?, canonical_body_sha256 = ?, canonical_parser_version = ?,
	last_seen_at = MAX(last_seen_at, ?)
WHERE id = ?`,
			row.ParcelIDRaw, string(situs), mailing, row.OwnerName,
			land, improvements, row.Confidence, row.CanonicalSourceKey,
			row.CanonicalFetchID, row.CanonicalBodyHash, row.CanonicalParser, seen, existing)
		if err != nil {
			return "", false, storage.Wrap("sqlite: update parcel", err)
		}
		return existing, false, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", false, storage.Wrap("sqlite: find parcel", err)
	}

	id, err := u.ids.NewID()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: parcel id")
	}
	_, err = u.q.ExecContext(ctx, `
INSERT INTO parcels (
	id, state_fips, county_fips, parcel_id_norm, parcel_id_raw,
	situs_address, mailing_address, owner_name, land, improvements,
	confidence, canonical_source_key, canonical_fetch_id, canonical_body_sha256,
	canonical_parser_version, first_seen_at, last_seen_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, row.Key.StateFIPS, row.Key.CountyFIPS, row.Key.ParcelIDNorm, row.ParcelIDRaw,
		string(situs), mailing, row.OwnerName, land, improvements,
		row.Confidence, row.CanonicalSourceKey, row.CanonicalFetchID, row.CanonicalBodyHash,
		row.CanonicalParser, formatTime(row.FirstSeenAt), seen)
	if err != nil {
		return "", false, storage.Wrap("sqlite: insert parcel", err)
	}
	return id, true, nil
}

func (u upserter) UpsertAssessments(ctx context.Context, parcelID string, assessments []parcel.Assessment) (int, error) {
	now := formatTime(u.now())
	for _, a := range assessments {
		id, err := u.ids.NewID()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: assessment id")
		}
		exemptions, err := json.Marshal(emptyIfNil(a.Exemptions))
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal exemptions")
		}
		_, err = u.q.ExecContext(ctx, `
INSERT INTO parcel_assessments (
	id, parcel_id, tax_year, just_value, assessed_value, taxable_value,
	land_value, improvement_value, exemption_value, exemptions, taxes, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (parcel_id, tax_year) DO UPDATE SET
	just_value = excluded.just_value,
	assessed_value = excluded.assessed_value,
	taxable_value = excluded.taxable_value,
	land_value = excluded.land_value,
	improvement_value = excluded.improvement_value,
	exemption_value = excluded.exemption_value,
	exemptions = excluded.exemptions,
	taxes = excluded.taxes,
	updated_at = excluded.updated_at`,
			id, parcelID, a.TaxYear, a.JustValue, a.AssessedValue, a.TaxableValue,
			a.LandValue, a.ImprovementValue, a.ExemptionValue, string(exemptions), a.Taxes, now)
		if err != nil {
			return 0, storage.Wrap("sqlite: upsert assessment", err)
		}
	}
	return len(assessments), nil
}

func (u upserter) UpsertSales(ctx context.Context, parcelID string, sales []parcel.Sale) (int, int, error) {
	inserted, skipped := 0, 0
	now := formatTime(u.now())
	for _, sale := range sales {
		id, err := u.ids.NewID()
		if err != nil {
			return inserted, skipped, eris.Wrap(err, "sqlite: sale id")
		}
		res, err := u.q.ExecContext(ctx, `
INSERT INTO parcel_sales (
	id, parcel_id, sale_key_sha256, sale_date, price, book, page,
	instrument, deed_type, grantor, grantee, qualified, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (parcel_id, sale_key_sha256) DO NOTHING`,
			id, parcelID, sale.SaleKeySHA256, nullTime(sale.Date), sale.Price, sale.Book, sale.Page,
			sale.Instrument, sale.DeedType, sale.Grantor, sale.Grantee, sale.Qualified, now)
		if err != nil {
			return inserted, skipped, storage.Wrap("sqlite: insert sale", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, skipped, storage.Wrap("sqlite: rows affected", err)
		}
		if n == 0 {
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

const selectParcel = `
SELECT id, state_fips, county_fips, parcel_id_norm, parcel_id_raw,
	situs_address, mailing_address, owner_name, land, improvements,
	confidence, canonical_source_key, canonical_fetch_id, canonical_body_sha256,
	canonical_parser_version, first_seen_at, last_seen_at
FROM parcels`

// GetParcel loads a parcel by id.
func (s *Store) GetParcel(ctx context.Context, id string, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	return s.loadView(ctx, s.db.QueryRowContext(ctx, selectParcel+` WHERE id = ?`, id), opts)
}

// GetParcelByKey loads a parcel by natural key.
func (s *Store) GetParcelByKey(ctx context.Context, key parcel.NaturalKey, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	row := s.db.QueryRowContext(ctx, selectParcel+` WHERE state_fips = ? AND county_fips = ? AND parcel_id_norm = ?`,
		key.StateFIPS, key.CountyFIPS, key.ParcelIDNorm)
	return s.loadView(ctx, row, opts)
}

func (s *Store) loadView(ctx context.Context, row *sql.Row, opts parcel.LookupOptions) (parcel.ParcelView, error) {
	var (
		p                           parcel.Parcel
		situs                       string
		mailing, land, improvements sql.NullString
		firstSeen, lastSeen         string
	)
	err := row.Scan(&p.ID, &p.Key.StateFIPS, &p.Key.CountyFIPS, &p.Key.ParcelIDNorm, &p.ParcelIDRaw,
		&situs, &mailing, &p.OwnerName, &land, &improvements,
		&p.Confidence, &p.CanonicalSourceKey, &p.CanonicalFetchID, &p.CanonicalBodyHash,
		&p.CanonicalParser, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return parcel.ParcelView{}, parcel.ErrNotFound
	}
	if err != nil {
		return parcel.ParcelView{}, storage.Wrap("sqlite: select parcel", err)
	}
	if err := json.Unmarshal([]byte(situs), &p.SitusAddress); err != nil {
		return parcel.ParcelView{}, eris.Wrap(err, "sqlite: decode situs")
	}
	if p.MailingAddress, err = decodeNullable[parcel.Address](mailing); err != nil {
		return parcel.ParcelView{}, err
	}
	if p.Land, err = decodeNullable[parcel.Land](land); err != nil {
		return parcel.ParcelView{}, err
	}
	if p.Improvements, err = decodeNullable[parcel.Improvements](improvements); err != nil {
		return parcel.ParcelView{}, err
	}
	if p.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return parcel.ParcelView{}, err
	}
	if p.LastSeenAt, err = parseTime(lastSeen); err != nil {
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

func (s *Store) assessments(ctx context.Context, parcelID string) ([]parcel.ParcelAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parcel_id, tax_year, just_value, assessed_value, taxable_value,
	land_value, improvement_value, exemption_value, exemptions, taxes, updated_at
FROM parcel_assessments WHERE parcel_id = ? ORDER BY tax_year DESC`, parcelID)
	if err != nil {
		return nil, storage.Wrap("sqlite: select assessments", err)
	}
	defer rows.Close()
	var out []parcel.ParcelAssessment
	for rows.Next() {
		var (
			a                   parcel.ParcelAssessment
			exemptions, updated string
		)
		if err := rows.Scan(&a.ID, &a.ParcelID, &a.TaxYear, &a.JustValue, &a.AssessedValue, &a.TaxableValue,
			&a.LandValue, &a.ImprovementValue, &a.ExemptionValue, &exemptions, &a.Taxes, &updated); err != nil {
			return nil, storage.Wrap("sqlite: scan assessment", err)
		}
		if err := json.Unmarshal([]byte(exemptions), &a.Exemptions); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode exemptions")
		}
		if len(a.Exemptions) == 0 {
			a.Exemptions = nil
		}
		if a.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, storage.Wrap("sqlite: iterate assessments", rows.Err())
}

func (s *Store) sales(ctx context.Context, parcelID string) ([]parcel.ParcelSale, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, parcel_id, sale_key_sha256, sale_date, price, book, page,
	instrument, deed_type, grantor, grantee, qualified, created_at
FROM parcel_sales WHERE parcel_id = ?
ORDER BY sale_date IS NULL, sale_date DESC, sale_key_sha256`, parcelID)
	if err != nil {
		return nil, storage.Wrap("sqlite: select sales", err)
	}
	defer rows.Close()
	var out []parcel.ParcelSale
	for rows.Next() {
		var (
			sale    parcel.ParcelSale
			date    sql.NullString
			created string
		)
		if err := rows.Scan(&sale.ID, &sale.ParcelID, &sale.SaleKeySHA256, &date, &sale.Price,
			&sale.Book, &sale.Page, &sale.Instrument, &sale.DeedType, &sale.Grantor, &sale.Grantee,
			&sale.Qualified, &created); err != nil {
			return nil, storage.Wrap("sqlite: scan sale", err)
		}
		if date.Valid {
			d, err := parseTime(date.String)
			if err != nil {
				return nil, err
			}
			sale.Date = &d
		}
		if sale.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, storage.Wrap("sqlite: iterate sales", rows.Err())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableJSON(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal json column")
	}
	return string(b), nil
}

func decodeNullable[T any](col sql.NullString) (*T, error) {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode json column")
	}
	return &v, nil
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
