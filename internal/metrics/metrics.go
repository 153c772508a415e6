// Package metrics provides Prometheus metrics for the identity core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "identity",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

var (
	// LoginAttemptsTotal counts login outcomes
	// (success, invalid_credentials, account_locked, mfa_required, mfa_failed, error)
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total login attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AccountLockoutsTotal counts lock transitions
	AccountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "account_lockouts_total",
			Help:      "Total number of account lock transitions",
		},
	)

	// TokenRefreshTotal counts refresh outcomes (success, invalid, expired, reused)
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "token_refresh_total",
			Help:      "Total refresh token rotations by outcome",
		},
		[]string{"outcome"},
	)

	// SuspiciousActivityTotal counts suspicious-activity flags by reason
	SuspiciousActivityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "suspicious_activity_total",
			Help:      "Total suspicious activity flags by reason",
		},
		[]string{"reason"},
	)

	// SessionsTerminatedTotal counts session terminations by cause
	// (logout, password_change, token_reuse, expired)
	SessionsTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "sessions_terminated_total",
			Help:      "Total sessions terminated by cause",
		},
		[]string{"cause"},
	)

	// CredentialCheckDuration measures bcrypt verification latency
	CredentialCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "credential_check_duration_seconds",
			Help:      "Credential hash verification duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

var (
	// AuditEventsTotal counts durably written audit events by type
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total audit events durably written by event type",
		},
		[]string{"event_type"},
	)

	// AuditWriteFailures counts synchronous audit append failures
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Total failed synchronous audit appends",
		},
	)

	// AuditWriteRetries counts appends recovered by the async retry writer
	AuditWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "audit",
			Name:      "write_retries_total",
			Help:      "Total audit appends recovered by the async retry writer",
		},
	)

	// AuditEventsDropped counts events lost after retries were exhausted
	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Total audit events dropped after retry exhaustion or queue overflow",
		},
	)

	// AuditRetryQueueDepth tracks the async writer backlog
	AuditRetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "audit",
			Name:      "retry_queue_depth",
			Help:      "Current number of audit events waiting for retry",
		},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "identity",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "identity",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler for /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments HTTP requests with request count, duration,
// and in-flight gauges. The chi route pattern is used instead of the
// raw path to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern resolves the chi route pattern for a request
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// statusWriter captures the response status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
