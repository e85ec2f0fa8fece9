// Package metrics provides process-level Prometheus instrumentation: HTTP
// traffic, database pool stats and the /metrics endpoint. Domain packages
// register their own collectors.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditledger"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// Apply holds a row lock for its whole transaction, so pool waits are
	// the first sign of per-account contention.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// BuildInfo is set to 1 with the running version and environment.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info",
		Help: "Build and environment information.",
	}, []string{"version", "env"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		DBOpenConnections,
		DBInUseConnections,
		DBIdleConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		BuildInfo,
	)
}

// SetBuildInfo records the running version.
func SetBuildInfo(version, env string) {
	BuildInfo.WithLabelValues(version, env).Set(1)
}

// StatsSource is satisfied by *sql.DB.
type StatsSource interface {
	Stats() sql.DBStats
}

// SampleDBStats copies one sample of pool stats into the gauges.
func SampleDBStats(db StatsSource) {
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBInUseConnections.Set(float64(stats.InUse))
	DBIdleConnections.Set(float64(stats.Idle))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// StartDBStatsCollector samples pool stats every interval. Call in a
// goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SampleDBStats(db)
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		start := time.Now()

		c.Next()

		HTTPInFlight.Dec()
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
