package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bactrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bactrack_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"status"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bactrack_db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
	)

	// StageTransitions counts applied stage writes; kind is submit or unsubmit.
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bactrack_stage_transitions_total",
			Help: "Stage submissions and admin reversals applied",
		},
		[]string{"stage", "kind"},
	)

	StageRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bactrack_stage_rejections_total",
			Help: "Stage submissions rejected before any write",
		},
		[]string{"reason"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bactrack_outbox_published_total",
			Help: "Outbox messages handled by the relay",
		},
		[]string{"topic", "result"},
	)
)

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func RecordDBQuery(status string, d time.Duration) {
	DBQueryDuration.WithLabelValues(status).Observe(d.Seconds())
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

func IncrementStageTransition(stage, kind string) {
	StageTransitions.WithLabelValues(stage, kind).Inc()
}

func IncrementStageRejection(reason string) {
	StageRejections.WithLabelValues(reason).Inc()
}

func IncrementOutbox(topic, result string) {
	OutboxPublished.WithLabelValues(topic, result).Inc()
}
