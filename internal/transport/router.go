package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/observability"
)

// Dependencies holds all injected dependencies for the ops router.
type Dependencies struct {
	Logger *zap.Logger
	// Metrics enables request metrics when set.
	Metrics *observability.Metrics
	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Readiness   observability.ReadinessChecks
}

// NewRouter creates a chi.Router serving /health, /ready and the metrics
// endpoint.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(RequestLogging(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))

	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}
