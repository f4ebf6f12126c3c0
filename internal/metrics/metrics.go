// Package metrics provides Prometheus instrumentation for the settlement core.
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
			Namespace: "bookmart",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookmart",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsTotal counts order payment attempts by outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookmart",
			Name:      "payments_total",
			Help:      "Total order payment attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowCreatedTotal counts escrows created.
	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmart",
		Name:      "escrow_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowReleasesTotal counts escrow release attempts by result.
	EscrowReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookmart",
			Name:      "escrow_releases_total",
			Help:      "Total escrow release attempts by result.",
		},
		[]string{"result"},
	)

	// EscrowRefundsTotal counts escrow refund attempts by result.
	EscrowRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookmart",
			Name:      "escrow_refunds_total",
			Help:      "Total escrow refund attempts by result.",
		},
		[]string{"result"},
	)

	// EscrowDisputedTotal counts disputes raised.
	EscrowDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmart",
		Name:      "escrow_disputed_total",
		Help:      "Total escrow disputes raised.",
	})

	// SweepDuration observes the duration of release sweeps.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookmart",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of escrow release sweeps in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReconciliationMismatches counts wallets whose balance disagreed with
	// the sum of their transaction log.
	ReconciliationMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmart",
		Name:      "reconciliation_mismatches_total",
		Help:      "Total wallets found out of sync with their transaction log.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmart", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmart", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmart", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsTotal,
		EscrowCreatedTotal,
		EscrowReleasesTotal,
		EscrowRefundsTotal,
		EscrowDisputedTotal,
		SweepDuration,
		ReconciliationMismatches,
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
