// Package store is the relational persistence layer: packages, invoices,
// progress and audit logs, resolution records, GL mappings, and the durable
// workflow bookkeeping (executions, activity executions, history). It runs
// on SQLite (default) or Postgres through database/sql; DDL is idempotent
// and applied at open. Transactions are short; status-transition legality is
// the workflow's job, not the store's.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/corralhq/corral/pkg/fault"
)

// Store wraps the shared database handle. One Store serves all workers in a
// process.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the timestamp source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects, applies migrations, and returns the store. The driver is
// selected by DSN: postgres:// and postgresql:// DSNs use lib/pq, everything
// else (a path or :memory:) is SQLite.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fault.Transient("store.open", err)
	}
	if driver == "sqlite" {
		// modernc SQLite serializes writes; a single connection avoids
		// SQLITE_BUSY between the pool's handles.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without running migrations. The caller
// owns the schema; used with pre-migrated databases and in tests.
func NewWithDB(db *sql.DB, driver string, opts ...Option) *Store {
	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts ? placeholders to $n for Postgres. Queries in this package
// never contain literal question marks.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS packages (
		package_id TEXT PRIMARY KEY,
		feedlot_family TEXT NOT NULL,
		status TEXT NOT NULL,
		document_refs TEXT,
		statement_ref TEXT,
		total_invoices INTEGER NOT NULL DEFAULT 0,
		extracted_invoices INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		package_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		lot_number TEXT,
		invoice_date TEXT,
		total_amount TEXT,
		status TEXT NOT NULL,
		invoice_ref TEXT,
		validation_ref TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (package_id, invoice_number)
	)`,
	`CREATE TABLE IF NOT EXISTS progress_events (
		package_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		step TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (package_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		kind TEXT NOT NULL,
		package_id TEXT,
		invoice_number TEXT,
		workflow_id TEXT,
		activity_name TEXT,
		details TEXT,
		actor TEXT NOT NULL,
		artifact_refs TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_package ON audit_events (package_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS entity_profiles (
		entity_id TEXT PRIMARY KEY,
		entity_code TEXT NOT NULL,
		name TEXT NOT NULL,
		aliases TEXT,
		default_dimensions TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS routing_keys (
		key_type TEXT NOT NULL,
		key_value TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		confidence TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (key_type, key_value, entity_id)
	)`,
	// A HARD (key_type, key_value) routes to exactly one entity; the partial
	// index enforces it against concurrent writers.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_routing_hard_key
		ON routing_keys (key_type, key_value) WHERE confidence = 'HARD'`,
	`CREATE TABLE IF NOT EXISTS vendor_aliases (
		customer_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		alias_normalized TEXT NOT NULL,
		vendor_id TEXT NOT NULL,
		vendor_number TEXT,
		vendor_name TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (customer_id, entity_id, alias_normalized)
	)`,
	`CREATE TABLE IF NOT EXISTS gl_mappings (
		level TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		vendor_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		gl_account_ref TEXT NOT NULL,
		PRIMARY KEY (level, entity_id, vendor_id, category)
	)`,
	`CREATE TABLE IF NOT EXISTS dimension_rules (
		entity_id TEXT NOT NULL DEFAULT '',
		dimension_code TEXT NOT NULL,
		source TEXT NOT NULL,
		source_field TEXT NOT NULL,
		transform TEXT NOT NULL DEFAULT 'none',
		transform_params TEXT,
		default_value TEXT,
		is_required BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (entity_id, dimension_code)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		workflow_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		task_queue TEXT NOT NULL DEFAULT '',
		input TEXT,
		status TEXT NOT NULL,
		result TEXT,
		failure TEXT,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_status ON workflow_executions (status, task_queue)`,
	`CREATE TABLE IF NOT EXISTS activity_executions (
		workflow_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		activity_name TEXT NOT NULL,
		status TEXT NOT NULL,
		error_category TEXT,
		error_message TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		last_heartbeat_at TIMESTAMP,
		heartbeat_details TEXT,
		PRIMARY KEY (workflow_id, seq, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_history (
		workflow_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		input_hash TEXT NOT NULL DEFAULT '',
		payload TEXT,
		recorded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workflow_id, seq)
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, ddl := range migrations {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fault.Transient("store.migrate", err)
		}
	}
	return nil
}
