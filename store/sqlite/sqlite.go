/*
Package sqlite provides a SQLite-backed implementation of the timeline
storage interfaces.

PURPOSE:
  Implements every persistence contract (Store, ReconcileStore, CatalogStore,
  AssignmentStore, client reads and bulk writes) on SQLite. All SQL in the
  repository lives here; the domain packages only see interfaces.

INTERFACES IMPLEMENTED:
  timeline.ReconcileStore:  Timeline instances (includes timeline.Store)
  timeline.CatalogStore:    Activity definitions
  timeline.AssignmentStore: Client -> activity links
  timeline.ClientLister / ClientGetter / ClientWriter: Clients

KEY TABLES:
  clients:            Client records (branch copied onto instances)
  activities:         Catalog definitions stored as catalog JSON
  client_assignments: (client, activity, subactivity) -> fee
  timelines:          Materialized obligations

INDEXES:
  - idx_timelines_natural_key: UNIQUE (client, activity, subactivity, period)
    for rows whose subactivity column is set. Legacy rows written before the
    column existed have it NULL, sit outside the index, and are repaired by
    the reconciler.
  - idx_timelines_client_fy: Client timeline listing (hot path)
  - idx_timelines_type_created: Reconciler scans

ATOMIC UPSERT:
  UpsertIfAbsent is one statement:

    INSERT ... ON CONFLICT DO NOTHING RETURNING id

  A returned row means the instance was created. No row means the key is
  taken; the existing row is then read and returned with created=false.

TIME FORMAT:
  Times are stored as fixed-width UTC strings so lexical order equals
  chronological order (due_date > ? comparisons rely on this).

CONCURRENCY:
  ":memory:" databases use a single connection. File databases use WAL with a
  busy timeout; lock contention that still surfaces is reported as a
  retryable timeline.StorageError.

USAGE:
  store, err := sqlite.New("./data/obligations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - timeline/store.go: Interface definitions
  - timeline/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/obligation-engine/timeline"
)

// timeLayout is fixed-width so stored values sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = dbPath + "?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Clients
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clients_branch
		ON clients(branch_id);

	-- Activity catalog
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		definition_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Client assignments ('' subactivity = whole activity)
	CREATE TABLE IF NOT EXISTS client_assignments (
		client_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		subactivity_id TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		PRIMARY KEY (client_id, activity_id, subactivity_id)
	);

	-- Timeline instances
	CREATE TABLE IF NOT EXISTS timelines (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		subactivity_id TEXT,
		snapshot_id TEXT,
		snapshot_json TEXT,
		branch_id TEXT NOT NULL DEFAULT '',
		financial_year TEXT NOT NULL,
		period TEXT,
		due_date TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		status TEXT NOT NULL,
		timeline_type TEXT NOT NULL,
		fields_json TEXT,
		fee TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency key. Rows with a NULL subactivity are legacy
	-- and handled by the reconciler.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_timelines_natural_key
		ON timelines(client_id, activity_id, subactivity_id, period)
		WHERE subactivity_id IS NOT NULL AND period IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_timelines_client_fy
		ON timelines(client_id, financial_year, due_date);

	CREATE INDEX IF NOT EXISTS idx_timelines_type_created
		ON timelines(timeline_type, created_at);

	CREATE INDEX IF NOT EXISTS idx_timelines_snapshot
		ON timelines(client_id, activity_id, snapshot_id) WHERE subactivity_id IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// storageError wraps a driver error, marking lock contention retryable.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &timeline.StorageError{Op: op, Err: err, Retryable: isBusyError(err)}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
