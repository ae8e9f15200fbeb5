// Package store persists TrakBridge configuration entities (streams, TAK
// servers, callsign mappings) behind database/sql. Two dialects are
// supported: SQLite via modernc.org/sqlite for single-process deployments,
// and PostgreSQL via the pgx stdlib driver for multi-process ones. The
// dialect is chosen from the DSN.
//
// Sensitive plugin-config values are encrypted at rest by the FieldCrypt the
// store is opened with; callers always see decrypted configs in memory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver
	_ "modernc.org/sqlite"             // register "sqlite" driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// dialect selects per-database SQL variants.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store is the configuration store.
type Store struct {
	db      *sql.DB
	dialect dialect
	crypt   *FieldCrypt
	logger  *slog.Logger
}

// Open connects to the database named by dsn, applies the schema, and
// returns the store. A dsn beginning with "postgres://" or "postgresql://"
// selects PostgreSQL; anything else is a SQLite path (":memory:" included).
// crypt may be nil to disable field-level encryption.
func Open(ctx context.Context, dsn string, crypt *FieldCrypt, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = dialectPostgres
		db, err = sql.Open("pgx", dsn)
	} else {
		d = dialectSQLite
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if d == dialectSQLite {
		// SQLite allows a single writer; one pooled connection avoids
		// spurious "database is locked" failures between goroutines.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: set WAL mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA synchronous = NORMAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: set synchronous: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: enable foreign keys: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, dialect: d, crypt: crypt, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsSQLite reports whether the store runs on SQLite, which restricts the
// deployment to a single process.
func (s *Store) IsSQLite() bool {
	return s.dialect == dialectSQLite
}

// rebind converts "?" placeholders to the dialect's form. Queries are
// written with "?" and rebound at execution for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect == dialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Schema DDL. Timestamps are stored as RFC3339Nano text in both dialects so
// scanning stays uniform.
const ddlSQLite = `
CREATE TABLE IF NOT EXISTS streams (
    id                            INTEGER PRIMARY KEY AUTOINCREMENT,
    name                          TEXT    NOT NULL UNIQUE,
    plugin_type                   TEXT    NOT NULL,
    poll_interval_s               INTEGER NOT NULL,
    is_active                     INTEGER NOT NULL DEFAULT 0,
    plugin_config                 TEXT    NOT NULL DEFAULT '{}',
    default_cot_type              TEXT    NOT NULL DEFAULT 'a-f-G-U-C',
    cot_type_mode                 TEXT    NOT NULL DEFAULT 'per_stream',
    enable_callsign_mapping       INTEGER NOT NULL DEFAULT 0,
    callsign_identifier_field     TEXT    NOT NULL DEFAULT '',
    callsign_error_handling       TEXT    NOT NULL DEFAULT 'fallback',
    enable_per_callsign_cot_types INTEGER NOT NULL DEFAULT 0,
    last_poll                     TEXT,
    last_error                    TEXT,
    total_messages_sent           INTEGER NOT NULL DEFAULT 0,
    config_version                INTEGER NOT NULL DEFAULT 0,
    created_at                    TEXT    NOT NULL,
    updated_at                    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS tak_servers (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    name               TEXT    NOT NULL UNIQUE,
    host               TEXT    NOT NULL,
    port               INTEGER NOT NULL,
    protocol           TEXT    NOT NULL DEFAULT 'tls',
    client_cert_pem    BLOB,
    client_key_pem     BLOB,
    ca_cert_pem        BLOB,
    tls_min_version    TEXT    NOT NULL DEFAULT '',
    verify_server_cert INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS stream_tak_servers (
    stream_id     INTEGER NOT NULL REFERENCES streams(id)     ON DELETE CASCADE,
    tak_server_id INTEGER NOT NULL REFERENCES tak_servers(id) ON DELETE CASCADE,
    PRIMARY KEY (stream_id, tak_server_id)
);
CREATE TABLE IF NOT EXISTS callsign_mappings (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id        INTEGER NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
    identifier_value TEXT    NOT NULL,
    custom_callsign  TEXT    NOT NULL,
    cot_type         TEXT    NOT NULL DEFAULT '',
    enabled          INTEGER NOT NULL DEFAULT 1,
    UNIQUE (stream_id, identifier_value)
);
CREATE TABLE IF NOT EXISTS bootstrap (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    admin_token  TEXT NOT NULL,
    completed_at TEXT NOT NULL
);
`

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS streams (
    id                            BIGSERIAL PRIMARY KEY,
    name                          TEXT    NOT NULL UNIQUE,
    plugin_type                   TEXT    NOT NULL,
    poll_interval_s               BIGINT  NOT NULL,
    is_active                     BOOLEAN NOT NULL DEFAULT FALSE,
    plugin_config                 TEXT    NOT NULL DEFAULT '{}',
    default_cot_type              TEXT    NOT NULL DEFAULT 'a-f-G-U-C',
    cot_type_mode                 TEXT    NOT NULL DEFAULT 'per_stream',
    enable_callsign_mapping       BOOLEAN NOT NULL DEFAULT FALSE,
    callsign_identifier_field     TEXT    NOT NULL DEFAULT '',
    callsign_error_handling       TEXT    NOT NULL DEFAULT 'fallback',
    enable_per_callsign_cot_types BOOLEAN NOT NULL DEFAULT FALSE,
    last_poll                     TEXT,
    last_error                    TEXT,
    total_messages_sent           BIGINT  NOT NULL DEFAULT 0,
    config_version                BIGINT  NOT NULL DEFAULT 0,
    created_at                    TEXT    NOT NULL,
    updated_at                    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS tak_servers (
    id                 BIGSERIAL PRIMARY KEY,
    name               TEXT    NOT NULL UNIQUE,
    host               TEXT    NOT NULL,
    port               INTEGER NOT NULL,
    protocol           TEXT    NOT NULL DEFAULT 'tls',
    client_cert_pem    BYTEA,
    client_key_pem     BYTEA,
    ca_cert_pem        BYTEA,
    tls_min_version    TEXT    NOT NULL DEFAULT '',
    verify_server_cert BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS stream_tak_servers (
    stream_id     BIGINT NOT NULL REFERENCES streams(id)     ON DELETE CASCADE,
    tak_server_id BIGINT NOT NULL REFERENCES tak_servers(id) ON DELETE CASCADE,
    PRIMARY KEY (stream_id, tak_server_id)
);
CREATE TABLE IF NOT EXISTS callsign_mappings (
    id               BIGSERIAL PRIMARY KEY,
    stream_id        BIGINT  NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
    identifier_value TEXT    NOT NULL,
    custom_callsign  TEXT    NOT NULL,
    cot_type         TEXT    NOT NULL DEFAULT '',
    enabled          BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (stream_id, identifier_value)
);
CREATE TABLE IF NOT EXISTS bootstrap (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    admin_token  TEXT NOT NULL,
    completed_at TEXT NOT NULL
);
`

// migrate applies the idempotent schema DDL.
func (s *Store) migrate(ctx context.Context) error {
	ddl := ddlSQLite
	if s.dialect == dialectPostgres {
		ddl = ddlPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// timestamp formatting helpers; all times are stored as RFC3339Nano UTC text.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
