// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskengine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts evaluations by final decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "evaluations_total",
			Help:      "Total transaction evaluations by decision.",
		},
		[]string{"decision"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskengine",
		Name:      "evaluation_duration_seconds",
		Help:      "End-to-end evaluation latency in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .075, .1, .15, .2, .5, 1},
	})

	// CollectorDuration observes per-signal-collector latency.
	CollectorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskengine",
		Name:      "collector_duration_seconds",
		Help:      "Per-signal-collector latency in seconds.",
		Buckets:   []float64{.001, .005, .01, .02, .03, .045, .06, .1},
	}, []string{"factor"})

	// CollectorSkipsTotal counts signals that were skipped (timeout or error).
	CollectorSkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "collector_skips_total",
		Help:      "Signal collectors that contributed zero due to timeout or error.",
	}, []string{"factor", "reason"})

	// DegradedEvaluationsTotal counts evaluations that fell back to fail-open.
	DegradedEvaluationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "degraded_evaluations_total",
		Help:      "Evaluations returned via the fail-open path.",
	})

	// SLABreachesTotal counts evaluations that exceeded the latency target.
	SLABreachesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "sla_breaches_total",
		Help:      "Evaluations whose end-to-end latency exceeded the deadline.",
	})

	// CacheOpsTotal counts cache operations by op and outcome (hit/miss/error).
	CacheOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "cache_ops_total",
		Help:      "Cache operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// ReviewItemsTotal counts review queue operations by action.
	ReviewItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "review_items_total",
		Help:      "Review queue operations by action (enqueued, deduped, assigned, completed, escalated).",
	}, []string{"action"})

	// PersistFailuresTotal counts failed audit persistence attempts.
	PersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskengine",
		Name:      "persist_failures_total",
		Help:      "Evaluation results that could not be persisted after retries.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationDuration,
		CollectorDuration,
		CollectorSkipsTotal,
		DegradedEvaluationsTotal,
		SLABreachesTotal,
		CacheOpsTotal,
		ReviewItemsTotal,
		PersistFailuresTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
