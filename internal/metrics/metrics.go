// Package metrics provides Prometheus instrumentation for the DeBazaar service.
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
			Namespace: "debazaar",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "debazaar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsBuiltTotal counts unsigned transactions built by contract action.
	TransactionsBuiltTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debazaar",
			Name:      "transactions_built_total",
			Help:      "Total unsigned transactions built by contract action.",
		},
		[]string{"action"},
	)

	// GasEstimateFallbacksTotal counts gas estimations that fell back to fixed defaults.
	GasEstimateFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debazaar",
			Name:      "gas_estimate_fallbacks_total",
			Help:      "Gas estimations that failed and used the action default.",
		},
		[]string{"action"},
	)

	// ListingsTotal counts listing state transitions.
	ListingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debazaar",
			Name:      "listings_total",
			Help:      "Listing state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// OrdersTotal counts order state transitions.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debazaar",
			Name:      "orders_total",
			Help:      "Order state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// ReceiptVerificationsTotal counts on-chain receipt verifications by result.
	ReceiptVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debazaar",
			Name:      "receipt_verifications_total",
			Help:      "Receipt verifications by result (verified, reverted, wrong_destination, error).",
		},
		[]string{"result"},
	)

	// EligibleDeliveries tracks orders past the delivery grace window at last scan.
	EligibleDeliveries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "debazaar",
		Name:      "eligible_deliveries",
		Help:      "Delivered orders past the grace window at the last scan.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "debazaar", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "debazaar", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "debazaar", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "debazaar", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsBuiltTotal,
		GasEstimateFallbacksTotal,
		ListingsTotal,
		OrdersTotal,
		ReceiptVerificationsTotal,
		EligibleDeliveries,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
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
