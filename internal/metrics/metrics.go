// Package metrics provides Prometheus metrics for the gateway
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

const namespace = "ssegw"

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

var (
	// DispatchersActive tracks live Dispatcher instances across sessions
	DispatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active",
			Help:      "Number of dispatchers held by open sessions",
		},
	)

	// SSEConnectionsActive tracks attached listen streams
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "connections_active",
			Help:      "Number of attached SSE listen streams",
		},
	)

	// EventsDispatched counts event writes by path (live, retry) and result
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_dispatched_total",
			Help:      "Total number of event writes to client streams",
		},
		[]string{"path", "result"},
	)

	// RetryQueued counts messages appended to retry queues
	RetryQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "retry_queued_total",
			Help:      "Total number of messages queued for retry",
		},
	)

	// RetryQueueCleared counts whole-queue discards by reason
	RetryQueueCleared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "retry_queue_cleared_total",
			Help:      "Total number of retry queue discards by reason",
		},
		[]string{"reason"},
	)

	// ReloadsSent counts reload signals
	ReloadsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "reloads_total",
			Help:      "Total number of reload signals raised",
		},
	)
)

var (
	// HistoryWrites counts history store writes by result
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "writes_total",
			Help:      "Total number of events written to the history store",
		},
		[]string{"result"},
	)

	// HistoryLookups counts retry lookups by result (hit, miss, error)
	HistoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "lookups_total",
			Help:      "Total number of history lookups by result",
		},
		[]string{"result"},
	)

	// HistoryEventsDeleted counts events removed by sweeps
	HistoryEventsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "events_deleted_total",
			Help:      "Total number of events removed from the history store",
		},
	)

	// HistorySweepDuration tracks sweep latency
	HistorySweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "sweep_duration_seconds",
			Help:      "History sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// HistoryChannelsLogged tracks channels with an installed logger subscription
	HistoryChannelsLogged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "channels_logged",
			Help:      "Number of channels the history store records",
		},
	)
)

var (
	// ConfigQueueDepth tracks pending subscription configurations
	ConfigQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config_queue",
			Name:      "depth",
			Help:      "Number of subscription configurations waiting to be applied",
		},
	)

	// ConfigsProcessed counts processed configurations by result
	ConfigsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_queue",
			Name:      "processed_total",
			Help:      "Total number of subscription configurations processed by result",
		},
		[]string{"result"},
	)
)

// SessionsActive tracks open gateway sessions
var SessionsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of open gateway sessions",
	},
)

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streams keep working
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
