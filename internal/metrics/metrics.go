// Package metrics exposes Prometheus instruments for the escrow engine.
package metrics

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContractTransitions counts contract state transitions by from/to state.
	ContractTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "contract",
		Name:      "transitions_total",
		Help:      "Contract state transitions.",
	}, []string{"from", "to"})

	// InvalidTransitions counts rejected state transitions by operation.
	InvalidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "contract",
		Name:      "invalid_transitions_total",
		Help:      "Rejected contract state transitions.",
	}, []string{"operation"})

	// SettlementDuration observes provider settlement call latency.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "payment",
		Name:      "settlement_duration_seconds",
		Help:      "Latency of payment provider settlement calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "operation"})

	// SettlementFailures counts failed provider settlement calls.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payment",
		Name:      "settlement_failures_total",
		Help:      "Failed payment provider settlement calls.",
	}, []string{"method", "operation"})

	// ReconciliationFlags counts contracts flagged for manual reconciliation.
	ReconciliationFlags = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payment",
		Name:      "reconciliation_flags_total",
		Help:      "Contracts flagged for manual reconciliation after ambiguous settlement outcomes.",
	})

	// DisputesOpen tracks currently unresolved disputes.
	DisputesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "open",
		Help:      "Disputes not yet resolved.",
	})

	// DisputeResolutions counts resolved disputes by verdict.
	DisputeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "resolutions_total",
		Help:      "Resolved disputes by verdict.",
	}, []string{"verdict"})

	// VotesCast counts expert votes by recommendation.
	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "votes_total",
		Help:      "Expert votes by recommendation.",
	}, []string{"recommendation"})

	// HTTPRequests counts HTTP requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes HTTP request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// EventsDelivered counts webhook deliveries by outcome.
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event", "outcome"})
)

// Middleware instruments every request by route pattern. Using the route
// pattern instead of the raw path keeps label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequests.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// RegisterDBStats exposes connection pool statistics for the given database.
func RegisterDBStats(db *sql.DB, name string) {
	prometheus.MustRegister(collectors.NewDBStatsCollector(db, name))
}

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
