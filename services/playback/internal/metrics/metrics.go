// Package metrics exposes Prometheus instrumentation for the playback service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Playback state
	ProgressReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playback_progress_reports_total",
			Help: "Progress reports by outcome",
		},
		[]string{"result"}, // "applied", "created", "stale", "rejected", "error"
	)

	CommitConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playback_commit_conflicts_total",
			Help: "Session commits that lost a concurrent update race",
		},
	)

	SessionsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playback_sessions_completed_total",
			Help: "Sessions that crossed the completion threshold",
		},
	)

	// Recommendations
	RecommendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommend_duration_seconds",
			Help:    "Time spent building a recommendation list",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RecommendFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recommend_popularity_fallback_total",
			Help: "Personalized requests answered purely from popularity",
		},
	)

	// Catalog cache
	CatalogCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_cache_hits_total",
			Help: "Catalog resolves served from Redis",
		},
	)

	CatalogCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_cache_misses_total",
			Help: "Catalog resolves that went to the backing store",
		},
	)

	// Async ingestion
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playback_events_processed_total",
			Help: "Progress events consumed from JetStream by outcome",
		},
		[]string{"result"}, // "applied", "duplicate", "dropped", "retry"
	)
)

func RecordRecommend(kind string, start time.Time) {
	RecommendDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
