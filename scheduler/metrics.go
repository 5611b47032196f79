package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobRuns counts job executions by status (success, error, skipped)
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obligations_scheduler_job_runs_total",
		Help: "Scheduled job executions by status",
	}, []string{"job", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obligations_scheduler_job_duration_seconds",
		Help:    "Scheduled job run time",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"job"})
)
