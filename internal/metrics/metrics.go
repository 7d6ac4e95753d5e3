package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AtmosphericFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfcal_atmospheric_fetches_total",
			Help: "Total atmospheric pressure fetches by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	AtmosphericFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdfcal_atmospheric_fetch_latency_seconds",
			Help:    "Atmospheric pressure fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	AtmosphericCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfcal_atmospheric_cache_hits_total",
			Help: "Atmospheric fetches served from cache",
		},
		[]string{"backend"},
	)

	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfcal_rows_total",
			Help: "Rows moved through each batch stage",
		},
		[]string{"stage"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfcal_rows_dropped_total",
			Help: "Rows dropped by a batch stage",
		},
		[]string{"stage", "reason"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdfcal_batch_duration_seconds",
			Help:    "Duration of process and correct batches",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job", "status"},
	)
)
