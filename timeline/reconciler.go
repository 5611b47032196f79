/*
reconciler.go - Duplicate detection and repair

PURPOSE:
  Instances written before the atomic upsert existed may share a natural key,
  or carry a key that does not match it (missing subactivity column, period
  with stray whitespace). The reconciler collapses each group to one survivor
  and repairs the survivor's key so later upserts match it.

ALGORITHM (PlanDuplicates, pure):
  1. Take recurring instances whose normalized key is complete
  2. Group by (client, activity, subactivity ?? snapshot.id, trimmed period)
  3. Order each group by CreatedAt ascending (ties by ID); the first survives
  4. Every non-survivor is marked for deletion
  5. Every survivor whose stored key differs from its normalized key is
     marked for repair

TWO ENTRY POINTS:
  FindDuplicates:   scan + plan, no writes
  RemoveDuplicates: scan + plan, then delete, then repair
  Both run the same planner; the dry run never reaches a write call.

ORDERING:
  Deletions happen before repairs. A repaired key could otherwise collide
  with a not-yet-deleted member of its own group.

SEE ALSO:
  - store.go: ReconcileStore
  - maintenance.go: Scheduled duplicate checks
*/
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// DuplicateGroup describes one natural key held by more than one instance.
type DuplicateGroup struct {
	Key         NaturalKey `json:"key"`
	Count       int        `json:"count"`
	WouldDelete int        `json:"would_delete"`
	SurvivorID  string     `json:"survivor_id"`
	DeleteIDs   []string   `json:"delete_ids"`
}

// KeyRepair is a survivor whose stored key columns need rewriting.
type KeyRepair struct {
	ID            string        `json:"id"`
	SubactivityID SubactivityID `json:"subactivity_id"`
	Period        string        `json:"period"`
}

// DuplicatePlan is the outcome of grouping, before any write.
type DuplicatePlan struct {
	Scanned int
	Groups  []DuplicateGroup
	Delete  []string
	Repairs []KeyRepair
}

// PlanDuplicates groups instances by normalized natural key and decides
// survivors, deletions and key repairs. Non-recurring instances and instances
// whose key cannot be normalized are ignored. The result is deterministic.
func PlanDuplicates(instances []Instance) DuplicatePlan {
	plan := DuplicatePlan{}
	groups := make(map[NaturalKey][]Instance)
	var order []NaturalKey

	for _, inst := range instances {
		if inst.Type != TypeRecurring {
			continue
		}
		key := inst.NormalizedKey()
		if !key.Complete() {
			continue
		}
		plan.Scanned++
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], inst)
	}

	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })

	for _, key := range order {
		members := groups[key]
		sort.SliceStable(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})

		survivor := members[0]
		if len(members) > 1 {
			group := DuplicateGroup{
				Key:         key,
				Count:       len(members),
				WouldDelete: len(members) - 1,
				SurvivorID:  survivor.ID,
			}
			for _, m := range members[1:] {
				group.DeleteIDs = append(group.DeleteIDs, m.ID)
			}
			plan.Groups = append(plan.Groups, group)
			plan.Delete = append(plan.Delete, group.DeleteIDs...)
		}

		if survivor.Key() != key {
			plan.Repairs = append(plan.Repairs, KeyRepair{
				ID:            survivor.ID,
				SubactivityID: key.SubactivityID,
				Period:        key.Period,
			})
		}
	}
	return plan
}

// DuplicateReport is the dry-run result.
type DuplicateReport struct {
	Scanned         int              `json:"scanned"`
	Groups          []DuplicateGroup `json:"groups"`
	TotalDuplicates int              `json:"total_duplicates"`
	PendingRepairs  int              `json:"pending_repairs"`
}

// RemovalResult is the outcome of a destructive run.
type RemovalResult struct {
	Deleted  int `json:"deleted"`
	Groups   int `json:"groups"`
	Repaired int `json:"repaired"`
}

// Reconciler finds and removes duplicate instances.
type Reconciler struct {
	Store  ReconcileStore
	Logger *slog.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store ReconcileStore) *Reconciler {
	return &Reconciler{Store: store, Logger: slog.Default()}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Reconciler) plan(ctx context.Context) (DuplicatePlan, error) {
	instances, err := r.Store.ListRecurring(ctx)
	if err != nil {
		return DuplicatePlan{}, fmt.Errorf("list recurring instances: %w", err)
	}
	plan := PlanDuplicates(instances)
	duplicateGroups.Set(float64(len(plan.Groups)))
	return plan, nil
}

// FindDuplicates reports duplicate groups without modifying anything.
func (r *Reconciler) FindDuplicates(ctx context.Context) (*DuplicateReport, error) {
	plan, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{
		Scanned:        plan.Scanned,
		Groups:         plan.Groups,
		PendingRepairs: len(plan.Repairs),
	}
	if report.Groups == nil {
		report.Groups = []DuplicateGroup{}
	}
	for _, g := range plan.Groups {
		report.TotalDuplicates += g.WouldDelete
	}
	return report, nil
}

// RemoveDuplicates deletes every non-survivor and repairs survivor keys.
// A repair that collides with a key written concurrently is skipped; the next
// run sees both rows as one group and resolves it.
func (r *Reconciler) RemoveDuplicates(ctx context.Context) (*RemovalResult, error) {
	plan, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}

	result := &RemovalResult{Groups: len(plan.Groups)}
	if len(plan.Delete) > 0 {
		n, err := r.Store.DeleteByIDs(ctx, plan.Delete)
		if err != nil {
			return result, fmt.Errorf("delete duplicates: %w", err)
		}
		result.Deleted = n
		duplicatesDeleted.Add(float64(n))
	}

	for _, repair := range plan.Repairs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := r.Store.RepairKey(ctx, repair.ID, repair.SubactivityID, repair.Period)
		switch {
		case err == nil:
			result.Repaired++
			keysRepaired.Inc()
		case IsConflict(err), IsNotFound(err):
			r.logger().Warn("skipped key repair",
				"component", "reconciler",
				"instance", repair.ID,
				"error", err,
			)
		default:
			return result, fmt.Errorf("repair key of %s: %w", repair.ID, err)
		}
	}

	r.logger().Info("removed duplicates",
		"component", "reconciler",
		"groups", result.Groups,
		"deleted", result.Deleted,
		"repaired", result.Repaired,
	)
	return result, nil
}
