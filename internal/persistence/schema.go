package persistence

import "context"

// schemaDDL is applied idempotently (IF NOT EXISTS throughout) so
// EnsureSchema is safe to call on every process start.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	category    TEXT NOT NULL,
	identifier  TEXT NOT NULL,
	parent_id   TEXT REFERENCES accounts(id),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cursor_states (
	account_id           TEXT NOT NULL REFERENCES accounts(id),
	provider             TEXT NOT NULL,
	type                 TEXT NOT NULL DEFAULT '',
	value                JSONB NOT NULL,
	alternatives         JSONB NOT NULL DEFAULT '{}',
	last_transaction_id  TEXT NOT NULL DEFAULT '',
	total_fetched        INTEGER NOT NULL DEFAULT 0,
	is_complete          BOOLEAN NOT NULL DEFAULT false,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, provider)
);

CREATE TABLE IF NOT EXISTS import_sessions (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	provider        TEXT NOT NULL,
	status          TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	records_fetched INTEGER NOT NULL DEFAULT 0,
	records_stored  INTEGER NOT NULL DEFAULT 0,
	metadata        JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS import_session_errors (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES import_sessions(id),
	occurred_at TIMESTAMPTZ NOT NULL,
	message     TEXT NOT NULL,
	retryable   BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_transactions (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	event_id    TEXT NOT NULL,
	provider    TEXT NOT NULL,
	payload     JSONB NOT NULL,
	observed_at TIMESTAMPTZ,
	imported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	session_id  TEXT NOT NULL REFERENCES import_sessions(id),
	processed   BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (account_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_raw_transactions_pending
	ON raw_transactions (account_id) WHERE NOT processed;

CREATE TABLE IF NOT EXISTS transactions (
	id           BIGSERIAL PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id),
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	operation    TEXT NOT NULL,
	movements    JSONB NOT NULL,
	fees         JSONB NOT NULL DEFAULT '[]',
	occurred_at  TIMESTAMPTZ NOT NULL,
	raw_event_ids JSONB NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	enriched_at  TIMESTAMPTZ,
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS transaction_links (
	id               BIGSERIAL PRIMARY KEY,
	transaction_a_id BIGINT NOT NULL REFERENCES transactions(id),
	transaction_b_id BIGINT NOT NULL REFERENCES transactions(id),
	confirmed        BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (transaction_a_id, transaction_b_id)
);

CREATE TABLE IF NOT EXISTS overrides (
	id           BIGSERIAL PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	asset_symbol TEXT NOT NULL,
	field        TEXT NOT NULL,
	value        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_by   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overrides_fingerprint ON overrides (fingerprint);
`

// EnsureSchema applies schemaDDL. Safe to call concurrently from
// multiple processes; Postgres serializes the DDL statements.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}
