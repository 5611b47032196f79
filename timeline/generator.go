/*
generator.go - Assignment to timeline instance materialization

PURPOSE:
  Given a client and the activities assigned to it, resolves each
  subactivity's recurrence into occurrence periods and upserts one instance
  per period. Returns every instance that exists for those periods after the
  call, whether it was created now or earlier.

ALGORITHM (per assignment):
  1. Load the activity from the catalog (missing -> NotFoundError)
  2. Flat activity: upsert a single one-time instance keyed by the activity
  3. Otherwise, for each targeted subactivity:
     a. Enforce cadence exclusivity: drop the client's assignment of every
        counterpart (e.g. GSTR-1 when GSTR-1-Q is assigned) and delete the
        counterpart's instances that are not yet due
     b. Persist the assignment
     c. One-time rule: keep the existing one-time instance, or upsert one
        due now + grace labeled with the current month
        Recurring rule: upsert one instance per resolved period, in order

IDEMPOTENCY:
  Every write goes through Store.UpsertIfAbsent. Calling Generate twice with
  the same input returns the same instances and creates nothing the second
  time. Exclusivity only deletes instances of other subactivities, so a
  repeated call deletes nothing either.

EXAMPLE:
  gen := NewGenerator(store, catalog, assignments, recurrence.NewResolver(loc))
  res, err := gen.Generate(ctx, client, []Assignment{{ActivityID: "gst", SubactivityID: "gstr1q"}})
  // res.Created == 4 on the first call, 0 afterwards

SEE ALSO:
  - exclusivity.go: Cadence groups
  - recurrence/resolver.go: Period resolution
*/
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/obligation-engine/recurrence"
)

// GenerateResult summarizes one generation call.
type GenerateResult struct {
	Instances []Instance
	Created   int
	Existing  int
	Removed   int
}

// Generator materializes timeline instances.
type Generator struct {
	Store       Store
	Catalog     Catalog
	Assignments AssignmentStore
	Resolver    *recurrence.Resolver

	// CadenceGroups defaults to DefaultCadenceGroups when nil.
	CadenceGroups []CadenceGroup
	// OneTimeGrace is the due offset for one-time obligations.
	OneTimeGrace time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewGenerator creates a generator with the default cadence groups and grace
// window.
func NewGenerator(store Store, catalog Catalog, assignments AssignmentStore, resolver *recurrence.Resolver) *Generator {
	return &Generator{
		Store:         store,
		Catalog:       catalog,
		Assignments:   assignments,
		Resolver:      resolver,
		CadenceGroups: DefaultCadenceGroups,
		OneTimeGrace:  recurrence.DefaultOneTimeGrace,
		Now:           time.Now,
		Logger:        slog.Default(),
	}
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Generate materializes the current financial year for the assignments.
func (g *Generator) Generate(ctx context.Context, client Client, assignments []Assignment) (*GenerateResult, error) {
	return g.GenerateForYear(ctx, client, assignments, recurrence.FinancialYear{})
}

// GenerateForYear materializes fy for the assignments. A zero fy means the
// financial year containing now.
func (g *Generator) GenerateForYear(ctx context.Context, client Client, assignments []Assignment, fy recurrence.FinancialYear) (*GenerateResult, error) {
	if client.ID == "" {
		return nil, &ValidationError{Field: "client.id", Reason: "required"}
	}

	now := g.now()
	if fy.IsZero() {
		fy = recurrence.FinancialYearOf(now.In(g.location()))
	}

	result := &GenerateResult{}
	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := g.generateAssignment(ctx, client, a, fy, now, result); err != nil {
			return result, err
		}
	}

	g.logger().Info("generated timelines",
		"component", "generator",
		"client", client.ID,
		"financial_year", fy.String(),
		"created", result.Created,
		"existing", result.Existing,
		"removed", result.Removed,
	)
	return result, nil
}

// Regenerate re-runs generation from the client's stored assignments.
func (g *Generator) Regenerate(ctx context.Context, client Client) (*GenerateResult, error) {
	assignments, err := g.Assignments.ListAssignments(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", client.ID, err)
	}
	return g.Generate(ctx, client, assignments)
}

func (g *Generator) generateAssignment(ctx context.Context, client Client, a Assignment, fy recurrence.FinancialYear, now time.Time, result *GenerateResult) error {
	if a.ActivityID == "" {
		return &ValidationError{Field: "activity_id", Reason: "required"}
	}
	activity, err := g.Catalog.GetActivity(ctx, a.ActivityID)
	if err != nil {
		return fmt.Errorf("load activity %s: %w", a.ActivityID, err)
	}

	if activity.IsFlat() {
		if err := g.Assignments.SaveAssignment(ctx, client.ID, Assignment{ActivityID: activity.ID, Fee: a.Fee}); err != nil {
			return fmt.Errorf("save assignment: %w", err)
		}
		inst := g.newInstance(client, activity.ID, SubactivityID(activity.ID), nil, a, now)
		return g.upsertOneTime(ctx, inst, now, result)
	}

	var targets []Subactivity
	if a.SubactivityID != "" {
		sub, ok := activity.Subactivity(a.SubactivityID)
		if !ok {
			return &NotFoundError{Kind: "subactivity", ID: fmt.Sprintf("%s/%s", activity.ID, a.SubactivityID)}
		}
		targets = []Subactivity{sub}
	} else {
		targets, err = g.wholeActivityTargets(ctx, client, activity)
		if err != nil {
			return err
		}
	}

	for _, sub := range targets {
		rule, err := sub.Rule()
		if err != nil {
			return err
		}
		if err := g.enforceExclusivity(ctx, client, activity, sub, now, result); err != nil {
			return err
		}
		if err := g.Assignments.SaveAssignment(ctx, client.ID, Assignment{ActivityID: activity.ID, SubactivityID: sub.ID, Fee: a.Fee}); err != nil {
			return fmt.Errorf("save assignment: %w", err)
		}
		if err := g.generateSubactivity(ctx, client, activity, sub, rule, a, fy, now, result); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) generateSubactivity(ctx context.Context, client Client, activity Activity, sub Subactivity, rule recurrence.Rule, a Assignment, fy recurrence.FinancialYear, now time.Time, result *GenerateResult) error {
	snap := sub.Snapshot()

	if _, ok := rule.(recurrence.OneTimeRule); ok {
		inst := g.newInstance(client, activity.ID, sub.ID, &snap, a, now)
		return g.upsertOneTime(ctx, inst, now, result)
	}

	for _, occ := range g.Resolver.ResolvePeriods(rule, now, fy) {
		inst := g.newInstance(client, activity.ID, sub.ID, &snap, a, now)
		inst.Type = TypeRecurring
		inst.FinancialYear = fy.String()
		inst.Period = occ.Period
		inst.DueDate = occ.Due
		inst.StartDate = occ.Start
		inst.EndDate = occ.End
		if err := g.upsert(ctx, inst, result); err != nil {
			return err
		}
	}
	return nil
}

// wholeActivityTargets returns the subactivities a whole-activity assignment
// covers: every subactivity, except that only one member of each cadence
// group is kept. The member the client already holds wins, otherwise the
// first in catalog order.
func (g *Generator) wholeActivityTargets(ctx context.Context, client Client, activity Activity) ([]Subactivity, error) {
	stored, err := g.Assignments.ListAssignments(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", client.ID, err)
	}
	held := make(map[SubactivityID]bool)
	for _, s := range stored {
		if s.ActivityID == activity.ID && s.SubactivityID != "" {
			held[s.SubactivityID] = true
		}
	}

	var targets []Subactivity
	excluded := make(map[SubactivityID]bool)
	for _, sub := range activity.Subactivities {
		if excluded[sub.ID] {
			continue
		}
		counterparts := Counterparts(g.CadenceGroups, activity, sub)
		if !held[sub.ID] && holdsAny(held, counterparts) {
			continue
		}
		for _, other := range counterparts {
			excluded[other.ID] = true
		}
		targets = append(targets, sub)
	}
	return targets, nil
}

func holdsAny(held map[SubactivityID]bool, subs []Subactivity) bool {
	for _, s := range subs {
		if held[s.ID] {
			return true
		}
	}
	return false
}

// enforceExclusivity removes the client's competing cadences of sub.
func (g *Generator) enforceExclusivity(ctx context.Context, client Client, activity Activity, sub Subactivity, now time.Time, result *GenerateResult) error {
	for _, other := range Counterparts(g.CadenceGroups, activity, sub) {
		if err := g.Assignments.RemoveAssignment(ctx, client.ID, activity.ID, other.ID); err != nil && !IsNotFound(err) {
			return fmt.Errorf("remove assignment %s: %w", other.Name, err)
		}
		n, err := g.Store.DeleteUpcoming(ctx, client.ID, activity.ID, other.ID, now)
		if err != nil {
			return fmt.Errorf("delete upcoming %s instances: %w", other.Name, err)
		}
		if n > 0 {
			exclusivityRemovals.Add(float64(n))
			g.logger().Info("removed competing cadence",
				"component", "generator",
				"client", client.ID,
				"activity", activity.ID,
				"removed", other.Name,
				"assigned", sub.Name,
				"instances", n,
			)
		}
		result.Removed += n
	}
	return nil
}

func (g *Generator) newInstance(client Client, activityID ActivityID, subID SubactivityID, snap *SubactivitySnapshot, a Assignment, now time.Time) Instance {
	var fields []Field
	if snap != nil {
		fields = append([]Field(nil), snap.Fields...)
	}
	return Instance{
		ID:            uuid.NewString(),
		ClientID:      client.ID,
		ActivityID:    activityID,
		SubactivityID: subID,
		Snapshot:      snap,
		BranchID:      client.BranchID,
		Status:        StatusPending,
		Fields:        fields,
		Fee:           a.Fee,
		CreatedAt:     now,
	}
}

// upsertOneTime keeps the client's existing one-time instance of the
// subactivity. Its period is the month it was first generated in, so a later
// run in another month must not derive a new key.
func (g *Generator) upsertOneTime(ctx context.Context, inst Instance, now time.Time, result *GenerateResult) error {
	existing, ok, err := g.Store.FindOneTime(ctx, inst.ClientID, inst.ActivityID, inst.SubactivityID)
	if err != nil {
		return fmt.Errorf("find one-time %s/%s: %w", inst.ActivityID, inst.SubactivityID, err)
	}
	if ok {
		result.Existing++
		instancesTotal.WithLabelValues("existing", string(existing.Type)).Inc()
		result.Instances = append(result.Instances, existing)
		return nil
	}
	g.applyOneTime(&inst, now)
	return g.upsert(ctx, inst, result)
}

func (g *Generator) applyOneTime(inst *Instance, now time.Time) {
	occ := g.Resolver.OneTime(now, g.OneTimeGrace)
	inst.Type = TypeOneTime
	inst.FinancialYear = recurrence.FinancialYearOf(now.In(g.location())).String()
	inst.Period = occ.Period
	inst.DueDate = occ.Due
	inst.StartDate = occ.Start
	inst.EndDate = occ.End
}

func (g *Generator) upsert(ctx context.Context, inst Instance, result *GenerateResult) error {
	stored, created, err := g.Store.UpsertIfAbsent(ctx, inst)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", inst.Key(), err)
	}
	if created {
		result.Created++
		instancesTotal.WithLabelValues("created", string(stored.Type)).Inc()
	} else {
		result.Existing++
		instancesTotal.WithLabelValues("existing", string(stored.Type)).Inc()
	}
	result.Instances = append(result.Instances, stored)
	return nil
}

func (g *Generator) location() *time.Location {
	if g.Resolver == nil || g.Resolver.Location == nil {
		return time.UTC
	}
	return g.Resolver.Location
}
