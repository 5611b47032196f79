package timeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// instancesTotal counts upserted instances by result (created, existing)
	instancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obligations_timeline_instances_total",
		Help: "Timeline instances upserted by result",
	}, []string{"result", "type"})

	// exclusivityRemovals counts instances deleted by cadence exclusivity
	exclusivityRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obligations_timeline_exclusivity_removed_total",
		Help: "Upcoming instances deleted when a competing cadence was assigned",
	})

	// duplicateGroups tracks duplicate groups found by the last scan
	duplicateGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obligations_duplicate_groups",
		Help: "Natural-key groups with more than one instance at the last scan",
	})

	// duplicatesDeleted counts instances removed by reconciliation
	duplicatesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obligations_duplicates_deleted_total",
		Help: "Duplicate timeline instances deleted by reconciliation",
	})

	// keysRepaired counts survivors whose key columns were backfilled
	keysRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obligations_keys_repaired_total",
		Help: "Survivor instances whose natural key was backfilled or trimmed",
	})
)
