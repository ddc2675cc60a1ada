package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	id          TEXT PRIMARY KEY,
	trigger     TEXT NOT NULL,
	source_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	stats       TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES ingestion_runs(id) ON DELETE CASCADE,
	source_key TEXT NOT NULL,
	target     TEXT NOT NULL,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_fetches (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES ingestion_runs(id) ON DELETE CASCADE,
	job_id          TEXT REFERENCES ingestion_jobs(id) ON DELETE SET NULL,
	source_key      TEXT NOT NULL,
	request_url     TEXT NOT NULL,
	request_method  TEXT NOT NULL,
	response_status INTEGER NOT NULL,
	content_type    TEXT NOT NULL DEFAULT '',
	body            BLOB,
	body_sha256     TEXT NOT NULL,
	blob_uri        TEXT NOT NULL DEFAULT '',
	fetched_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS parse_artifacts (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES ingestion_runs(id) ON DELETE CASCADE,
	raw_fetch_id   TEXT NOT NULL REFERENCES raw_fetches(id) ON DELETE CASCADE,
	parser_version TEXT NOT NULL,
	dom_signature  TEXT NOT NULL,
	fields         TEXT NOT NULL DEFAULT '{}',
	warnings       TEXT NOT NULL DEFAULT '[]',
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_steps (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	source_key  TEXT NOT NULL,
	step        TEXT NOT NULL,
	ok          INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS parcels (
	id                    TEXT PRIMARY KEY,
	state_fips            TEXT NOT NULL,
	county_fips           TEXT NOT NULL,
	parcel_id_norm        TEXT NOT NULL,
	parcel_id_raw         TEXT NOT NULL,
	situs_address         TEXT NOT NULL,
	mailing_address       TEXT,
	owner_name            TEXT NOT NULL DEFAULT '',
	land                  TEXT,
	improvements          TEXT,
	confidence            REAL NOT NULL,
	canonical_source_key  TEXT NOT NULL,
	canonical_fetch_id    TEXT NOT NULL DEFAULT '',
	canonical_body_sha256 TEXT NOT NULL DEFAULT '',
	canonical_parser_version TEXT NOT NULL DEFAULT '',
	first_seen_at         TEXT NOT NULL,
	last_seen_at          TEXT NOT NULL,
	UNIQUE (state_fips, county_fips, parcel_id_norm)
);

CREATE TABLE IF NOT EXISTS parcel_assessments (
	id                TEXT PRIMARY KEY,
	parcel_id         TEXT NOT NULL REFERENCES parcels(id) ON DELETE CASCADE,
	tax_year          INTEGER NOT NULL,
	just_value        REAL,
	assessed_value    REAL,
	taxable_value     REAL,
	land_value        REAL,
	improvement_value REAL,
	exemption_value   REAL,
	exemptions        TEXT NOT NULL DEFAULT '[]',
	taxes             REAL,
	updated_at        TEXT NOT NULL,
	UNIQUE (parcel_id, tax_year)
);

CREATE TABLE IF NOT EXISTS parcel_sales (
	id              TEXT PRIMARY KEY,
	parcel_id       TEXT NOT NULL REFERENCES parcels(id) ON DELETE CASCADE,
	sale_key_sha256 TEXT NOT NULL,
	sale_date       TEXT,
	price           REAL,
	book            TEXT NOT NULL DEFAULT '',
	page            TEXT NOT NULL DEFAULT '',
	instrument      TEXT NOT NULL DEFAULT '',
	deed_type       TEXT NOT NULL DEFAULT '',
	grantor         TEXT NOT NULL DEFAULT '',
	grantee         TEXT NOT NULL DEFAULT '',
	qualified       INTEGER,
	created_at      TEXT NOT NULL,
	UNIQUE (parcel_id, sale_key_sha256)
);

CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_run ON ingestion_jobs(run_id);
CREATE INDEX IF NOT EXISTS idx_raw_fetches_run ON raw_fetches(run_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_steps_run ON ingestion_steps(run_id);
`
