package timeline_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/timeline"
	"github.com/warp/obligation-engine/timeline/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func legacyInstance(id string, sub timeline.SubactivityID, period string, createdAt time.Time) timeline.Instance {
	return timeline.Instance{
		ID:            id,
		ClientID:      "client-1",
		ActivityID:    "gst",
		SubactivityID: sub,
		Snapshot:      &timeline.SubactivitySnapshot{ID: "gstr1", Name: "GSTR-1"},
		FinancialYear: "2024-2025",
		Period:        period,
		DueDate:       time.Date(2024, time.April, 11, 9, 0, 0, 0, time.UTC),
		Status:        timeline.StatusPending,
		Type:          timeline.TypeRecurring,
		CreatedAt:     createdAt,
	}
}

func at(minutes int) time.Time {
	return time.Date(2023, time.December, 1, 0, minutes, 0, 0, time.UTC)
}

// =============================================================================
// PLANNING
// =============================================================================

func TestPlanDuplicates_EarliestSurvives(t *testing.T) {
	instances := []timeline.Instance{
		legacyInstance("c", "gstr1", "April-2024", at(3)),
		legacyInstance("a", "gstr1", "April-2024", at(1)),
		legacyInstance("d", "gstr1", "April-2024", at(4)),
		legacyInstance("b", "gstr1", "April-2024", at(2)),
	}

	plan := timeline.PlanDuplicates(instances)
	require.Len(t, plan.Groups, 1)
	group := plan.Groups[0]
	assert.Equal(t, 4, group.Count)
	assert.Equal(t, 3, group.WouldDelete)
	assert.Equal(t, "a", group.SurvivorID)
	assert.Equal(t, []string{"b", "c", "d"}, group.DeleteIDs)
	assert.Empty(t, plan.Repairs)
}

func TestPlanDuplicates_TiesBrokenByID(t *testing.T) {
	plan := timeline.PlanDuplicates([]timeline.Instance{
		legacyInstance("z", "gstr1", "May-2024", at(1)),
		legacyInstance("m", "gstr1", "May-2024", at(1)),
	})
	require.Len(t, plan.Groups, 1)
	assert.Equal(t, "m", plan.Groups[0].SurvivorID)
}

func TestPlanDuplicates_NormalizesLegacyKeys(t *testing.T) {
	// GIVEN: A legacy row with no subactivity column and a padded period
	//        AND a later well-formed row for the same occurrence
	// THEN: They form one group; the legacy row survives and is repaired

	plan := timeline.PlanDuplicates([]timeline.Instance{
		legacyInstance("legacy", "", " April-2024 ", at(1)),
		legacyInstance("new", "gstr1", "April-2024", at(5)),
	})

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, timeline.NaturalKey{ClientID: "client-1", ActivityID: "gst", SubactivityID: "gstr1", Period: "April-2024"}, plan.Groups[0].Key)
	assert.Equal(t, "legacy", plan.Groups[0].SurvivorID)
	assert.Equal(t, []string{"new"}, plan.Delete)
	assert.Equal(t, []timeline.KeyRepair{{ID: "legacy", SubactivityID: "gstr1", Period: "April-2024"}}, plan.Repairs)
}

func TestPlanDuplicates_SkipsOneTimeAndKeylessRows(t *testing.T) {
	oneTime := legacyInstance("one-time", "gstr1", "April-2024", at(1))
	oneTime.Type = timeline.TypeOneTime
	noPeriod := legacyInstance("no-period", "gstr1", "  ", at(1))
	noSub := legacyInstance("no-sub", "", "April-2024", at(1))
	noSub.Snapshot = nil

	plan := timeline.PlanDuplicates([]timeline.Instance{
		oneTime, noPeriod, noSub,
		legacyInstance("keep", "gstr1", "April-2024", at(2)),
	})
	assert.Equal(t, 1, plan.Scanned)
	assert.Empty(t, plan.Groups)
	assert.Empty(t, plan.Delete)
}

// =============================================================================
// RECONCILER
// =============================================================================

func TestReconciler_FindThenRemove(t *testing.T) {
	// GIVEN: Four instances sharing one natural key, written by a legacy path
	// WHEN: FindDuplicates runs
	// THEN: It reports count=4, wouldDelete=3 and deletes nothing
	// WHEN: RemoveDuplicates runs
	// THEN: Exactly the earliest instance survives

	mem := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mem.Seed(legacyInstance(fmt.Sprintf("dup-%d", i), "gstr1", "April-2024", at(10-i)))
	}
	mem.Seed(legacyInstance("other", "gstr1", "May-2024", at(0)))

	rec := timeline.NewReconciler(mem)

	report, err := rec.FindDuplicates(ctx)
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, 4, report.Groups[0].Count)
	assert.Equal(t, 3, report.Groups[0].WouldDelete)
	assert.Equal(t, 3, report.TotalDuplicates)
	assert.Equal(t, 5, report.Scanned)

	stored, err := mem.ListByClient(ctx, "client-1", "")
	require.NoError(t, err)
	assert.Len(t, stored, 5, "dry run must not delete")

	result, err := rec.RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, &timeline.RemovalResult{Deleted: 3, Groups: 1, Repaired: 0}, result)

	stored, err = mem.ListByClient(ctx, "client-1", "")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.True(t, ids(stored)["dup-3"], "earliest instance survives")

	report, err = rec.FindDuplicates(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Groups)
}

func TestReconciler_RepairedSurvivorMatchesFutureUpserts(t *testing.T) {
	// GIVEN: A legacy GSTR-1 row for April with no subactivity key
	// WHEN: Duplicates are removed and generation runs
	// THEN: The repaired row is matched; no second April instance appears

	gen, mem := newTestGenerator(t)
	ctx := context.Background()
	mem.Seed(legacyInstance("legacy-april", "", "April-2024 ", at(0)))

	result, err := timeline.NewReconciler(mem).RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 1, result.Repaired)

	res, err := gen.Generate(ctx, testClient(), []timeline.Assignment{{ActivityID: "gst", SubactivityID: "gstr1"}})
	require.NoError(t, err)
	assert.Equal(t, 11, res.Created)
	assert.Equal(t, 1, res.Existing)
	assert.True(t, ids(res.Instances)["legacy-april"])
}

func TestReconciler_UnrepairedLegacyRowIsCollapsed(t *testing.T) {
	// GIVEN: Generation ran before the reconciler, so a keyed April row now
	//        sits next to the keyless legacy one
	// THEN: Reconciliation keeps the earlier legacy row and repairs it

	gen, mem := newTestGenerator(t)
	ctx := context.Background()
	mem.Seed(legacyInstance("legacy-april", "", "April-2024", at(0)))

	_, err := gen.Generate(ctx, testClient(), []timeline.Assignment{{ActivityID: "gst", SubactivityID: "gstr1"}})
	require.NoError(t, err)

	result, err := timeline.NewReconciler(mem).RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Repaired)

	stored, err := mem.ListByClient(ctx, "client-1", "")
	require.NoError(t, err)
	assert.Len(t, stored, 12)
	assert.Equal(t, "legacy-april", stored[0].ID)
	assert.Equal(t, timeline.SubactivityID("gstr1"), stored[0].SubactivityID)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestMaintainer_CheckDuplicatesAutoRemove(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	mem.Seed(
		legacyInstance("a", "gstr1", "April-2024", at(1)),
		legacyInstance("b", "gstr1", "April-2024", at(2)),
	)

	m := &timeline.Maintainer{Reconciler: timeline.NewReconciler(mem)}
	require.NoError(t, m.CheckDuplicates(ctx))
	stored, _ := mem.ListByClient(ctx, "client-1", "")
	assert.Len(t, stored, 2, "report-only mode leaves rows")

	m.AutoRemove = true
	require.NoError(t, m.CheckDuplicates(ctx))
	stored, _ = mem.ListByClient(ctx, "client-1", "")
	assert.Len(t, stored, 1)
}

func TestMaintainer_RegenerateAllIsolatesFailures(t *testing.T) {
	// GIVEN: Two clients, one whose stored assignment points at a deleted activity
	// THEN: The healthy client is regenerated and the failure is reported

	gen, mem := newTestGenerator(t)
	ctx := context.Background()

	_, err := mem.SaveClients(ctx, []timeline.Client{
		{ID: "client-1", BranchID: "b1"},
		{ID: "client-2", BranchID: "b1"},
	})
	require.NoError(t, err)
	require.NoError(t, mem.SaveAssignment(ctx, "client-1", timeline.Assignment{ActivityID: "ghost"}))
	require.NoError(t, mem.SaveAssignment(ctx, "client-2", timeline.Assignment{ActivityID: "gst", SubactivityID: "gstr3b"}))

	m := &timeline.Maintainer{Clients: mem, Generator: gen}
	result, err := m.RegenerateAll(ctx)
	require.Error(t, err)
	assert.True(t, timeline.IsNotFound(err))
	assert.Equal(t, &timeline.MaintenanceResult{Clients: 2, Failed: 1, Created: 12}, result)
}

func TestMaintainer_RegenerateAllIsStableAcrossMonths(t *testing.T) {
	// GIVEN: A client holding whole GST and a flat activity, generated on June 10
	// WHEN: The maintenance run fires in July and again in August
	// THEN: Nothing is created or removed

	gen, mem := newTestGenerator(t)
	ctx := context.Background()

	_, err := mem.SaveClients(ctx, []timeline.Client{testClient()})
	require.NoError(t, err)
	first, err := gen.Generate(ctx, testClient(), []timeline.Assignment{
		{ActivityID: "gst"},
		{ActivityID: "incorporation"},
	})
	require.NoError(t, err)
	require.Equal(t, 25, first.Created)

	m := &timeline.Maintainer{Clients: mem, Generator: gen}
	for months := 1; months <= 2; months++ {
		gen.Now = func() time.Time { return testNow.AddDate(0, months, 0) }
		result, err := m.RegenerateAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, &timeline.MaintenanceResult{Clients: 1}, result)
	}

	stored, err := mem.ListByClient(ctx, "client-1", "")
	require.NoError(t, err)
	assert.Equal(t, ids(first.Instances), ids(stored))
}
