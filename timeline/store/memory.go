// Package store provides in-memory implementations of the timeline contracts.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every timeline persistence contract with mutex-guarded
// maps. The natural-key index only covers complete keys, matching the SQLite
// partial unique index.
type Memory struct {
	mu          sync.Mutex
	instances   map[string]timeline.Instance
	keys        map[timeline.NaturalKey]string
	activities  map[timeline.ActivityID]timeline.Activity
	assignments map[timeline.ClientID][]timeline.Assignment
	clients     map[timeline.ClientID]timeline.Client
}

func NewMemory() *Memory {
	return &Memory{
		instances:   make(map[string]timeline.Instance),
		keys:        make(map[timeline.NaturalKey]string),
		activities:  make(map[timeline.ActivityID]timeline.Activity),
		assignments: make(map[timeline.ClientID][]timeline.Assignment),
		clients:     make(map[timeline.ClientID]timeline.Client),
	}
}

// =============================================================================
// TIMELINES
// =============================================================================

// UpsertIfAbsent inserts inst unless its key is taken. The check and insert
// happen under one lock.
func (m *Memory) UpsertIfAbsent(_ context.Context, inst timeline.Instance) (timeline.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.Key()
	if key.Complete() {
		if id, ok := m.keys[key]; ok {
			return m.instances[id], false, nil
		}
		m.keys[key] = inst.ID
	}
	m.instances[inst.ID] = inst
	return inst, true, nil
}

// Seed inserts instances without consulting the key index, the way legacy
// non-atomic writers did.
func (m *Memory) Seed(instances ...timeline.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range instances {
		m.instances[inst.ID] = inst
		if key := inst.Key(); key.Complete() {
			if _, ok := m.keys[key]; !ok {
				m.keys[key] = inst.ID
			}
		}
	}
}

func (m *Memory) ListByClient(_ context.Context, clientID timeline.ClientID, financialYear string) ([]timeline.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []timeline.Instance
	for _, inst := range m.instances {
		if inst.ClientID != clientID {
			continue
		}
		if financialYear != "" && inst.FinancialYear != financialYear {
			continue
		}
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) FindOneTime(_ context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID) (timeline.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found timeline.Instance
	ok := false
	for _, inst := range m.instances {
		if inst.Type != timeline.TypeOneTime || inst.ClientID != clientID || inst.ActivityID != activityID || inst.SubactivityID != subactivityID {
			continue
		}
		if !ok || inst.CreatedAt.Before(found.CreatedAt) || (inst.CreatedAt.Equal(found.CreatedAt) && inst.ID < found.ID) {
			found, ok = inst, true
		}
	}
	return found, ok, nil
}

func (m *Memory) DeleteUpcoming(_ context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, inst := range m.instances {
		k := inst.NormalizedKey()
		if k.ClientID == clientID && k.ActivityID == activityID && k.SubactivityID == subactivityID && inst.DueDate.After(after) {
			ids = append(ids, id)
		}
	}
	return m.deleteLocked(ids), nil
}

func (m *Memory) ListRecurring(_ context.Context) ([]timeline.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []timeline.Instance
	for _, inst := range m.instances {
		if inst.Type == timeline.TypeRecurring {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(ids), nil
}

func (m *Memory) deleteLocked(ids []string) int {
	n := 0
	for _, id := range ids {
		inst, ok := m.instances[id]
		if !ok {
			continue
		}
		if key := inst.Key(); m.keys[key] == id {
			delete(m.keys, key)
		}
		delete(m.instances, id)
		n++
	}
	return n
}

func (m *Memory) RepairKey(_ context.Context, id string, subactivityID timeline.SubactivityID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return &timeline.NotFoundError{Kind: "timeline", ID: id}
	}
	oldKey := inst.Key()
	inst.SubactivityID = subactivityID
	inst.Period = period
	newKey := inst.Key()

	if owner, ok := m.keys[newKey]; ok && owner != id {
		return &timeline.ConflictError{Key: newKey, ExistingID: owner}
	}
	if m.keys[oldKey] == id {
		delete(m.keys, oldKey)
	}
	if newKey.Complete() {
		m.keys[newKey] = id
	}
	m.instances[id] = inst
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetActivity(_ context.Context, id timeline.ActivityID) (timeline.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return timeline.Activity{}, &timeline.NotFoundError{Kind: "activity", ID: string(id)}
	}
	return a, nil
}

func (m *Memory) ListActivities(_ context.Context) ([]timeline.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]timeline.Activity, 0, len(m.activities))
	for _, a := range m.activities {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveActivity(_ context.Context, activity timeline.Activity) error {
	if activity.ID == "" {
		return &timeline.ValidationError{Field: "id", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[activity.ID] = activity
	return nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func (m *Memory) ListAssignments(_ context.Context, clientID timeline.ClientID) ([]timeline.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]timeline.Assignment(nil), m.assignments[clientID]...), nil
}

func (m *Memory) SaveAssignment(_ context.Context, clientID timeline.ClientID, a timeline.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.assignments[clientID]
	for i, existing := range list {
		if existing.ActivityID == a.ActivityID && existing.SubactivityID == a.SubactivityID {
			list[i] = a
			return nil
		}
	}
	m.assignments[clientID] = append(list, a)
	return nil
}

func (m *Memory) RemoveAssignment(_ context.Context, clientID timeline.ClientID, activityID timeline.ActivityID, subactivityID timeline.SubactivityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.assignments[clientID]
	for i, existing := range list {
		if existing.ActivityID == activityID && existing.SubactivityID == subactivityID {
			m.assignments[clientID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// =============================================================================
// CLIENTS
// =============================================================================

func (m *Memory) GetClient(_ context.Context, id timeline.ClientID) (timeline.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return timeline.Client{}, &timeline.NotFoundError{Kind: "client", ID: string(id)}
	}
	return c, nil
}

func (m *Memory) ListClients(_ context.Context) ([]timeline.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]timeline.Client, 0, len(m.clients))
	for _, c := range m.clients {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveClients upserts clients by ID. Clients without an ID are reported as
// failures through *timeline.PartialWriteError.
func (m *Memory) SaveClients(_ context.Context, clients []timeline.Client) ([]timeline.SaveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]timeline.SaveOutcome, 0, len(clients))
	failed := make(map[int]error)
	for i, c := range clients {
		if c.ID == "" {
			failed[i] = &timeline.ValidationError{Field: "id", Reason: "required"}
			continue
		}
		_, exists := m.clients[c.ID]
		m.clients[c.ID] = c
		outcomes = append(outcomes, timeline.SaveOutcome{Index: i, ClientID: c.ID, Created: !exists})
	}
	if len(failed) > 0 {
		return nil, &timeline.PartialWriteError{Applied: outcomes, Failed: failed}
	}
	return outcomes, nil
}
