// Package observability collects Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus registry and the application's instruments.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	submissionsTotal *prometheus.CounterVec
	retryScheduled   prometheus.Counter
	bridgeRequests   *prometheus.CounterVec
	scanQueueDepth   prometheus.Gauge
}

// NewMetrics initializes the registry and base instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quipu_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quipu_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quipu_submissions_total",
		Help: "Document submission passes by resulting state.",
	}, []string{"result"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quipu_submission_retries_scheduled_total",
		Help: "Retry tasks scheduled after authority transport failures.",
	})
	bridge := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quipu_bridge_requests_total",
		Help: "Bridge requests by endpoint and status code.",
	}, []string{"route", "code"})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quipu_bridge_scan_queue_depth",
		Help: "Sale intents waiting for the till.",
	})
	registry.MustRegister(requests, duration, submissions, retries, bridge, depth)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		submissionsTotal: submissions,
		retryScheduled:   retries,
		bridgeRequests:   bridge,
		scanQueueDepth:   depth,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return m.middleware(next, false)
}

// BridgeMiddleware records bridge traffic under its own counter so LAN
// device noise stays separable from operator traffic.
func (m *Metrics) BridgeMiddleware(next http.Handler) http.Handler {
	return m.middleware(next, true)
}

func (m *Metrics) middleware(next http.Handler, bridge bool) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		code := strconv.Itoa(recorder.status)
		if bridge {
			m.bridgeRequests.WithLabelValues(route, code).Inc()
			return
		}
		m.requestsTotal.WithLabelValues(route, code).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveSubmission counts one submission pass outcome, labeled with the
// resulting document state.
func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(result).Inc()
}

// ObserveRetryScheduled counts one scheduled retry task.
func (m *Metrics) ObserveRetryScheduled() {
	if m == nil {
		return
	}
	m.retryScheduled.Inc()
}

// SetScanQueueDepth publishes the current bridge queue depth.
func (m *Metrics) SetScanQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.scanQueueDepth.Set(float64(depth))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
