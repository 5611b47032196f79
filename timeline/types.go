/*
Package timeline materializes recurring compliance obligations for clients.

PURPOSE:
  A client is assigned activities from a catalog (e.g. "GST Returns"), each
  with subactivities carrying a recurrence rule (e.g. "GSTR-1", monthly on the
  11th). The generator turns every assignment into concrete timeline
  instances, one per occurrence period of the financial year, and the
  reconciler repairs duplicates left behind by older non-atomic writers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Activity / Subactivity: Catalog entries (read-only here)
  - SubactivitySnapshot: Frozen copy of a subactivity embedded in instances
  - Assignment: Which activity (optionally one subactivity) a client holds
  - Instance: One materialized obligation
  - NaturalKey: (client, activity, subactivity, period), unique per instance

IDEMPOTENCY:
  Instances are only ever written through Store.UpsertIfAbsent keyed by the
  natural key, so running generation twice (or concurrently) never creates a
  second instance for the same period.

FLAT ACTIVITIES:
  Activities without subactivities produce a single one-time instance. The
  activity ID stands in as the subactivity component of its key.

SEE ALSO:
  - generator.go: Assignment -> instances
  - reconciler.go: Duplicate detection and repair
  - store.go: Persistence contracts
*/
package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/obligation-engine/recurrence"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type ActivityID string
type SubactivityID string

// =============================================================================
// CATALOG
// =============================================================================

// Field is a data point collected when an obligation is worked on
// (e.g. "ARN number"). Value is empty in the catalog.
type Field struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Value    string `json:"value,omitempty"`
}

// Subactivity is a recurring unit of work within an activity.
type Subactivity struct {
	ID         SubactivityID
	Name       string
	Recurrence recurrence.Spec
	Fields     []Field
}

// Rule decodes the subactivity's recurrence.
func (s Subactivity) Rule() (recurrence.Rule, error) {
	rule, err := s.Recurrence.Rule()
	if err != nil {
		return nil, fmt.Errorf("subactivity %s (%s): %w", s.ID, s.Name, err)
	}
	return rule, nil
}

// Activity is a catalog entry grouping subactivities.
type Activity struct {
	ID            ActivityID
	Name          string
	Subactivities []Subactivity
}

// IsFlat reports whether the activity has no subactivities.
func (a Activity) IsFlat() bool { return len(a.Subactivities) == 0 }

// Subactivity looks up a subactivity by ID.
func (a Activity) Subactivity(id SubactivityID) (Subactivity, bool) {
	for _, s := range a.Subactivities {
		if s.ID == id {
			return s, true
		}
	}
	return Subactivity{}, false
}

// SubactivityNamed looks up a subactivity by name, ignoring case and
// surrounding whitespace.
func (a Activity) SubactivityNamed(name string) (Subactivity, bool) {
	for _, s := range a.Subactivities {
		if normalizeName(s.Name) == normalizeName(name) {
			return s, true
		}
	}
	return Subactivity{}, false
}

// SubactivitySnapshot is an immutable copy of a subactivity taken when the
// instance is generated. Later catalog edits do not change it.
type SubactivitySnapshot struct {
	ID              SubactivityID        `json:"id"`
	Name            string               `json:"name"`
	Frequency       recurrence.Frequency `json:"frequency,omitempty"`
	FrequencyConfig json.RawMessage      `json:"frequencyConfig,omitempty"`
	Fields          []Field              `json:"fields,omitempty"`
}

// Snapshot freezes the subactivity.
func (s Subactivity) Snapshot() SubactivitySnapshot {
	snap := SubactivitySnapshot{
		ID:        s.ID,
		Name:      s.Name,
		Frequency: s.Recurrence.Frequency,
		Fields:    append([]Field(nil), s.Fields...),
	}
	if len(s.Recurrence.Config) > 0 {
		snap.FrequencyConfig = append(json.RawMessage(nil), s.Recurrence.Config...)
	}
	return snap
}

// =============================================================================
// CLIENTS AND ASSIGNMENTS
// =============================================================================

// Client is the owner of obligations. BranchID is copied onto every instance.
type Client struct {
	ID       ClientID
	Name     string
	BranchID string
	Email    string
}

// Assignment links a client to an activity. An empty SubactivityID means
// every subactivity of the activity.
type Assignment struct {
	ActivityID    ActivityID
	SubactivityID SubactivityID
	Fee           decimal.Decimal
}

// =============================================================================
// INSTANCES
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Type string

const (
	TypeOneTime   Type = "oneTime"
	TypeRecurring Type = "recurring"
)

// Instance is one materialized obligation. SubactivityID is empty only on
// legacy rows written before the key column existed; Snapshot is nil for
// flat activities.
type Instance struct {
	ID            string
	ClientID      ClientID
	ActivityID    ActivityID
	SubactivityID SubactivityID
	Snapshot      *SubactivitySnapshot
	BranchID      string
	FinancialYear string
	Period        string
	DueDate       time.Time
	StartDate     time.Time
	EndDate       time.Time
	Status        Status
	Type          Type
	Fields        []Field
	Fee           decimal.Decimal
	CreatedAt     time.Time
}

// Key returns the natural key as stored, without normalization.
func (i Instance) Key() NaturalKey {
	return NaturalKey{
		ClientID:      i.ClientID,
		ActivityID:    i.ActivityID,
		SubactivityID: i.SubactivityID,
		Period:        i.Period,
	}
}

// NormalizedKey returns the key the instance should have: the subactivity
// falls back to the snapshot's ID and the period is trimmed.
func (i Instance) NormalizedKey() NaturalKey {
	k := i.Key()
	if k.SubactivityID == "" && i.Snapshot != nil {
		k.SubactivityID = i.Snapshot.ID
	}
	k.Period = strings.TrimSpace(k.Period)
	return k
}

// NaturalKey is the idempotency key of an instance.
type NaturalKey struct {
	ClientID      ClientID      `json:"client_id"`
	ActivityID    ActivityID    `json:"activity_id"`
	SubactivityID SubactivityID `json:"subactivity_id"`
	Period        string        `json:"period"`
}

// Complete reports whether every component of the key is present.
func (k NaturalKey) Complete() bool {
	return k.ClientID != "" && k.ActivityID != "" && k.SubactivityID != "" && strings.TrimSpace(k.Period) != ""
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.ClientID, k.ActivityID, k.SubactivityID, k.Period)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
