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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	useCaseDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	handlerDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	UseCasesTotal            *prometheus.CounterVec
	UseCaseDuration          *prometheus.HistogramVec
	InstanceTransitionsTotal *prometheus.CounterVec
	OverdueAssignmentsTotal  *prometheus.CounterVec
	DrainLimitHitsTotal      *prometheus.CounterVec

	// Handler metrics
	HandlerExecutionsTotal *prometheus.CounterVec
	HandlerDuration        *prometheus.HistogramVec
	HandlerBreakerState    *prometheus.GaugeVec

	// Outbox metrics
	OutboxEventsTotal *prometheus.CounterVec

	// Lock metrics
	LockWaitDuration prometheus.Histogram
	LockFailures     prometheus.Counter

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_http_requests_total",
			Help: "Total number of ops HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowengine_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		UseCasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_use_cases_total",
			Help: "Total number of engine use-case invocations.",
		}, []string{"operation", "outcome"}),
		UseCaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowengine_use_case_duration_seconds",
			Help:    "Engine use-case duration in seconds, lock wait included.",
			Buckets: useCaseDurationBuckets,
		}, []string{"operation"}),
		InstanceTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_instance_transitions_total",
			Help: "Total number of instance status transitions.",
		}, []string{"workflow_type", "status"}),
		OverdueAssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_overdue_assignments_total",
			Help: "Total number of overdue assignment reminders issued.",
		}, []string{"workflow_type"}),
		DrainLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_drain_limit_hits_total",
			Help: "Total number of times automatic task draining stopped at its limit.",
		}, []string{"workflow_type"}),

		HandlerExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_handler_executions_total",
			Help: "Total number of task handler executions.",
		}, []string{"handler", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowengine_handler_duration_seconds",
			Help:    "Task handler execution duration in seconds.",
			Buckets: handlerDurationBuckets,
		}, []string{"handler"}),
		HandlerBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowengine_handler_circuit_breaker_state",
			Help: "Handler circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"handler"}),

		OutboxEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_outbox_events_total",
			Help: "Total number of outbox delivery outcomes.",
		}, []string{"outcome"}),

		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowengine_lock_wait_duration_seconds",
			Help:    "Time spent acquiring the per-instance lock.",
			Buckets: handlerDurationBuckets,
		}),
		LockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_lock_failures_total",
			Help: "Total number of per-instance lock acquisitions that failed.",
		}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_definition_reload_total",
			Help: "Total number of definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_definitions_loaded",
			Help: "Number of workflow definition versions currently loaded.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UseCasesTotal,
		m.UseCaseDuration,
		m.InstanceTransitionsTotal,
		m.OverdueAssignmentsTotal,
		m.DrainLimitHitsTotal,
		m.HandlerExecutionsTotal,
		m.HandlerDuration,
		m.HandlerBreakerState,
		m.OutboxEventsTotal,
		m.LockWaitDuration,
		m.LockFailures,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records ops HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordUseCase records one engine use-case invocation.
func (m *Metrics) RecordUseCase(operation, outcome string, d time.Duration) {
	m.UseCasesTotal.WithLabelValues(operation, outcome).Inc()
	m.UseCaseDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordInstanceTransition records an instance entering status.
func (m *Metrics) RecordInstanceTransition(workflowType, status string) {
	m.InstanceTransitionsTotal.WithLabelValues(workflowType, status).Inc()
}

// RecordOverdue records n overdue reminders for a workflow type.
func (m *Metrics) RecordOverdue(workflowType string, n int) {
	m.OverdueAssignmentsTotal.WithLabelValues(workflowType).Add(float64(n))
}

// RecordDrainLimit records a drain loop stopped by its iteration limit.
func (m *Metrics) RecordDrainLimit(workflowType string) {
	m.DrainLimitHitsTotal.WithLabelValues(workflowType).Inc()
}

// RecordLockWait records a lock acquisition attempt.
func (m *Metrics) RecordLockWait(d time.Duration, err error) {
	m.LockWaitDuration.Observe(d.Seconds())
	if err != nil {
		m.LockFailures.Inc()
	}
}

// RecordHandler implements handler.Recorder.
func (m *Metrics) RecordHandler(name, outcome string, d time.Duration) {
	m.HandlerExecutionsTotal.WithLabelValues(name, outcome).Inc()
	m.HandlerDuration.WithLabelValues(name).Observe(d.Seconds())
}

// SetHandlerBreakerState implements handler.StateRecorder.
func (m *Metrics) SetHandlerBreakerState(name string, state float64) {
	m.HandlerBreakerState.WithLabelValues(name).Set(state)
}

// RecordOutbox implements outbox.Recorder.
func (m *Metrics) RecordOutbox(outcome string, n int) {
	m.OutboxEventsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordDefinitionReload records a definition reload attempt.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definition versions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
