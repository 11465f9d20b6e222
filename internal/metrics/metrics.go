// Package metrics provides Prometheus instrumentation for the ClickShield engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clickshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts click evaluations by final decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickshield",
			Name:      "evaluations_total",
			Help:      "Total click evaluations by decision (allow, alert, deny).",
		},
		[]string{"decision"},
	)

	// BlocksTotal counts block-list insertions by coarse cause. The exact
	// reason is free-form text and lives in the log and activity record;
	// labelling with it would give the series unbounded cardinality.
	BlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickshield",
			Name:      "blocks_total",
			Help:      "Total identities blocked by cause (structural, score).",
		},
		[]string{"cause"},
	)

	// EvaluationDuration observes the latency of the full detection pipeline.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clickshield",
		Name:      "evaluation_duration_seconds",
		Help:      "Click evaluation pipeline duration in seconds.",
		Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
	})

	// RiskScore observes the distribution of computed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clickshield",
		Name:      "risk_score",
		Help:      "Distribution of computed risk scores.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// ActiveSessions tracks live (unexpired) session records.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clickshield",
		Name:      "active_sessions",
		Help:      "Number of unexpired session records.",
	})

	// ActiveBlocks tracks live (unexpired) block entries.
	ActiveBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clickshield",
		Name:      "active_blocks",
		Help:      "Number of unexpired block entries.",
	})

	// LocationLookupsTotal counts location resolutions by outcome.
	LocationLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickshield",
			Name:      "location_lookups_total",
			Help:      "Total location lookups by outcome (hit, unknown, timeout).",
		},
		[]string{"outcome"},
	)

	// AlertsTotal counts alerts dispatched to the alert sink.
	AlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clickshield",
		Name:      "alerts_total",
		Help:      "Total alerts dispatched.",
	})

	// ActiveWebSocketClients tracks connected realtime feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clickshield",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// BreakerTransitions counts circuit breaker state changes per upstream.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clickshield",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
		},
		[]string{"upstream", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		BlocksTotal,
		EvaluationDuration,
		RiskScore,
		ActiveSessions,
		ActiveBlocks,
		LocationLookupsTotal,
		AlertsTotal,
		ActiveWebSocketClients,
		BreakerTransitions,
	)
}

// Middleware returns a gin middleware that records request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
