// Package store persists the audit ledger, snapshots, proposals and staff
// tokens in SQL. Postgres (through pgx) is the production dialect; SQLite
// serves single-node installs and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	_ "modernc.org/sqlite"             // Register sqlite as database/sql driver
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store provides access to the control plane's SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open connects using driver "sqlite" or "postgres" and pings the database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		name    string
		dialect Dialect
	)
	switch driver {
	case "sqlite":
		name, dialect = "sqlite", DialectSQLite
	case "postgres", "pgx":
		name, dialect = "pgx", DialectPostgres
	default:
		return nil, fmt.Errorf("Open: unsupported driver %q", driver)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	return NewStore(db, dialect), nil
}

// DB exposes the pool, e.g. for state.SQLSource.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		seq            BIGINT PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		actor_type     TEXT NOT NULL,
		actor_id       TEXT NOT NULL,
		action         TEXT NOT NULL,
		rationale      TEXT NOT NULL,
		target         TEXT NOT NULL,
		approval_state TEXT NOT NULL,
		input_hash     TEXT NOT NULL,
		output_hash    TEXT NOT NULL,
		metadata       TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		prev_hash      TEXT NOT NULL,
		hash           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_action_idx ON audit_events (action, created_at)`,
	`CREATE TABLE IF NOT EXISTS state_snapshots (
		snapshot_date TEXT PRIMARY KEY,
		generated_at  TEXT NOT NULL,
		body          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS state_diffs (
		to_date   TEXT PRIMARY KEY,
		from_date TEXT NOT NULL,
		body      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id            TEXT PRIMARY KEY,
		capability_id TEXT NOT NULL,
		status        TEXT NOT NULL,
		owner_uid     TEXT NOT NULL,
		tenant_id     TEXT NOT NULL,
		body          TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS proposals_status_idx ON proposals (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS proposal_results (
		proposal_id     TEXT NOT NULL,
		operation       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		body            TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (proposal_id, operation, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS staff_tokens (
		id           TEXT PRIMARY KEY,
		staff_uid    TEXT NOT NULL,
		name         TEXT NOT NULL,
		token_hash   TEXT NOT NULL,
		token_prefix TEXT NOT NULL UNIQUE,
		created_at   TEXT NOT NULL,
		revoked_at   TEXT
	)`,
}

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timestamps are stored as RFC 3339 text in UTC so both dialects sort and
// round-trip them identically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "duplicate key") || // postgres
		strings.Contains(msg, "sqlstate 23505")
}
