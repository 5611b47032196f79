package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// importedItems counts batch items by terminal outcome
	// (created, updated, rejected, failed, post_process_failed)
	importedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obligations_import_items_total",
		Help: "Imported client records by outcome",
	}, []string{"outcome"})

	chunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obligations_import_chunk_retries_total",
		Help: "Chunk write retries after retryable storage errors",
	})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obligations_import_chunk_duration_seconds",
		Help:    "Time to validate, write and post-process one chunk",
		Buckets: prometheus.DefBuckets,
	})
)
