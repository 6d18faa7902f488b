package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	lockWaitBuckets     = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the onboarding service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	ContractorsCreatedTotal   *prometheus.CounterVec
	StepsCompletedTotal       *prometheus.CounterVec
	StatusTransitionsTotal    *prometheus.CounterVec
	ActivationsTotal          *prometheus.CounterVec
	DeclinesTotal             *prometheus.CounterVec
	RejectedOperationsTotal   *prometheus.CounterVec
	LockWaitDuration          prometheus.Histogram
	EventPublishFailuresTotal prometheus.Counter

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// System metrics
	CatalogReloadTotal *prometheus.CounterVec
	CatalogSteps       prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboard_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboard_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		ContractorsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_contractors_created_total",
			Help: "Total number of contractor workflows created.",
		}, []string{"business_type"}),
		StepsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_steps_completed_total",
			Help: "Total number of onboarding steps completed.",
		}, []string{"business_type", "step_id"}),
		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_status_transitions_total",
			Help: "Total number of contractor status transitions.",
		}, []string{"from", "to"}),
		ActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_activations_total",
			Help: "Total number of contractor activations.",
		}, []string{"business_type"}),
		DeclinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_declines_total",
			Help: "Total number of recorded declines.",
		}, []string{"business_type"}),
		RejectedOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_rejected_operations_total",
			Help: "Total number of workflow operations rejected, by operation and error code.",
		}, []string{"operation", "code"}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "onboard_lock_wait_seconds",
			Help:    "Time spent waiting for the per-contractor write lock.",
			Buckets: lockWaitBuckets,
		}),
		EventPublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboard_event_publish_failures_total",
			Help: "Total number of workflow events that failed to publish.",
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboard_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onboard_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// System
		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_catalog_reload_total",
			Help: "Total step catalog reloads.",
		}, []string{"status"}),
		CatalogSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onboard_catalog_steps",
			Help: "Number of steps in the loaded catalog.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.ContractorsCreatedTotal,
		m.StepsCompletedTotal,
		m.StatusTransitionsTotal,
		m.ActivationsTotal,
		m.DeclinesTotal,
		m.RejectedOperationsTotal,
		m.LockWaitDuration,
		m.EventPublishFailuresTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// System
		m.CatalogReloadTotal,
		m.CatalogSteps,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordContractorCreated records a new contractor workflow.
func (m *Metrics) RecordContractorCreated(businessType string) {
	m.ContractorsCreatedTotal.WithLabelValues(businessType).Inc()
}

// RecordStepCompleted records a step completion that changed state.
func (m *Metrics) RecordStepCompleted(businessType, stepID string) {
	m.StepsCompletedTotal.WithLabelValues(businessType, stepID).Inc()
}

// RecordStatusTransition records a status change.
func (m *Metrics) RecordStatusTransition(from, to string) {
	m.StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordActivation records a contractor reaching the activated status.
func (m *Metrics) RecordActivation(businessType string) {
	m.ActivationsTotal.WithLabelValues(businessType).Inc()
}

// RecordDecline records a decline event.
func (m *Metrics) RecordDecline(businessType string) {
	m.DeclinesTotal.WithLabelValues(businessType).Inc()
}

// RecordRejection records a workflow operation rejected with an error code.
func (m *Metrics) RecordRejection(operation, code string) {
	m.RejectedOperationsTotal.WithLabelValues(operation, code).Inc()
}

// RecordLockWait records how long a writer waited for the contractor lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	m.LockWaitDuration.Observe(d.Seconds())
}

// RecordEventPublishFailure records a workflow event that could not be published.
func (m *Metrics) RecordEventPublishFailure() {
	m.EventPublishFailuresTotal.Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordCatalogReload records a catalog reload attempt.
func (m *Metrics) RecordCatalogReload(status string) {
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogSteps sets the number of steps in the loaded catalog.
func (m *Metrics) SetCatalogSteps(count float64) {
	m.CatalogSteps.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi route pattern,
// so /v1/contractors/{contractorId} is one series rather than one per id.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start),
			int(max(r.ContentLength, 0)), rec.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the matched chi route, or the raw path when the
// request never reached a chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder captures the first status code and the body size
// written by the wrapped handler.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
