/*
store.go - Persistence contracts for timelines, catalog and assignments

PURPOSE:
  Defines the interface between generation/reconciliation logic and the
  database. Contracts are split by capability so each component depends only
  on what it uses.

KEY INTERFACES:
  Store:           Atomic upsert-if-absent plus client reads/deletes
  ReconcileStore:  Full scans, bulk delete and key backfill for the reconciler
  Catalog:         Activity definitions (read-only for generation)
  AssignmentStore: Client -> activity assignments
  ClientLister:    Enumerates clients for maintenance runs

ATOMIC UPSERT:
  UpsertIfAbsent MUST be a single atomic operation against the storage
  (INSERT ... ON CONFLICT DO NOTHING), never a read followed by a write.
  Overlapping generator runs, retried imports and duplicate timer fires all
  call it concurrently; the uniqueness constraint is what serializes them.
  When the key already exists the existing instance is returned with
  created=false and a nil error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with a partial unique index
  - timeline/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - generator.go: Uses Store, Catalog, AssignmentStore
  - reconciler.go: Uses ReconcileStore
*/
package timeline

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// TIMELINE STORE
// =============================================================================

// Store persists timeline instances.
type Store interface {
	// UpsertIfAbsent inserts inst unless an instance with the same natural key
	// exists. Returns the stored instance and whether it was created.
	UpsertIfAbsent(ctx context.Context, inst Instance) (Instance, bool, error)

	// ListByClient returns a client's instances ordered by due date. An empty
	// financialYear means all years.
	ListByClient(ctx context.Context, clientID ClientID, financialYear string) ([]Instance, error)

	// FindOneTime returns the client's one-time instance of a subactivity
	// (the activity ID for flat activities), if any. The oldest wins when
	// several exist.
	FindOneTime(ctx context.Context, clientID ClientID, activityID ActivityID, subactivityID SubactivityID) (Instance, bool, error)

	// DeleteUpcoming deletes the instances of one subactivity whose due date
	// is after the given time. Legacy rows are matched through their snapshot
	// ID. Returns the number deleted.
	DeleteUpcoming(ctx context.Context, clientID ClientID, activityID ActivityID, subactivityID SubactivityID, after time.Time) (int, error)
}

// ReconcileStore extends Store with the scans and repairs the duplicate
// reconciler needs.
type ReconcileStore interface {
	Store

	// ListRecurring returns every recurring instance, including legacy rows
	// with a missing subactivity key.
	ListRecurring(ctx context.Context) ([]Instance, error)

	// DeleteByIDs deletes the given instances. Missing IDs are ignored.
	DeleteByIDs(ctx context.Context, ids []string) (int, error)

	// RepairKey rewrites an instance's natural key columns. Returns a
	// ConflictError if another instance already owns the key.
	RepairKey(ctx context.Context, id string, subactivityID SubactivityID, period string) error
}

// =============================================================================
// CATALOG, CLIENTS, ASSIGNMENTS
// =============================================================================

// Catalog supplies activity definitions.
type Catalog interface {
	GetActivity(ctx context.Context, id ActivityID) (Activity, error)
}

// CatalogStore is a writable catalog.
type CatalogStore interface {
	Catalog
	ListActivities(ctx context.Context) ([]Activity, error)
	SaveActivity(ctx context.Context, activity Activity) error
}

// AssignmentStore tracks which activities each client holds. Assignments are
// keyed by (client, activity, subactivity); saving an existing one updates
// its fee.
type AssignmentStore interface {
	ListAssignments(ctx context.Context, clientID ClientID) ([]Assignment, error)
	SaveAssignment(ctx context.Context, clientID ClientID, a Assignment) error
	RemoveAssignment(ctx context.Context, clientID ClientID, activityID ActivityID, subactivityID SubactivityID) error
}

// ClientLister enumerates clients.
type ClientLister interface {
	ListClients(ctx context.Context) ([]Client, error)
}

// ClientGetter loads a single client.
type ClientGetter interface {
	GetClient(ctx context.Context, id ClientID) (Client, error)
}

// ClientWriter persists clients in bulk.
type ClientWriter interface {
	// SaveClients upserts clients by ID. On success it returns one outcome per
	// client in input order. When some clients could not be written it
	// returns a *PartialWriteError holding the applied outcomes and the
	// per-index failures. Any other error means nothing was written.
	SaveClients(ctx context.Context, clients []Client) ([]SaveOutcome, error)
}

// SaveOutcome records what happened to one client of a bulk write. Index is
// the position in the slice passed to SaveClients.
type SaveOutcome struct {
	Index    int
	ClientID ClientID
	Created  bool
}

// PartialWriteError is returned by bulk writes in which some items failed.
// Applied may be empty. Failed is keyed by input index.
type PartialWriteError struct {
	Applied []SaveOutcome
	Failed  map[int]error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d applied, %d failed", len(e.Applied), len(e.Failed))
}

func (e *PartialWriteError) Unwrap() error { return ErrStorage }
