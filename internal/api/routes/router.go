package routes

import (
	"net/http"

	"github.com/zatekoja/clinical-insights/backend/internal/api/handlers"
	"github.com/zatekoja/clinical-insights/backend/internal/api/middleware"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	insightsHandler *handlers.InsightsHandler
	pipelineHandler *handlers.PipelineHandler
	cacheHandler    *handlers.CacheHandler
	auditHandler    *handlers.AuditHandler
	healthHandler   *handlers.HealthHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// RouterDeps are the handlers and cross-cutting settings the router needs.
type RouterDeps struct {
	Insights       *handlers.InsightsHandler
	Pipelines      *handlers.PipelineHandler
	Cache          *handlers.CacheHandler
	Audit          *handlers.AuditHandler
	Health         *handlers.HealthHandler
	AllowedOrigins []string
	Metrics        *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		insightsHandler: deps.Insights,
		pipelineHandler: deps.Pipelines,
		cacheHandler:    deps.Cache,
		auditHandler:    deps.Audit,
		healthHandler:   deps.Health,
		allowedOrigins:  deps.AllowedOrigins,
		metrics:         deps.Metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", r.healthHandler.Liveness)
	r.mux.HandleFunc("GET /api/v1/health", r.healthHandler.GetHealth)

	// Single pipelines
	r.mux.HandleFunc("POST /api/v1/pipelines/{type}/analyze", r.pipelineHandler.Analyze)
	r.mux.HandleFunc("GET /api/v1/pipelines/{type}/health", r.pipelineHandler.ProbePipeline)
	r.mux.HandleFunc("POST /api/v1/pipelines/batch", r.pipelineHandler.AnalyzeBatch)

	// Session insights
	r.mux.HandleFunc("POST /api/v1/sessions/{sessionID}/insights", r.insightsHandler.CoordinateInsights)
	r.mux.HandleFunc("GET /api/v1/sessions/{sessionID}/insights/stream", r.insightsHandler.StreamInsights)
	r.mux.HandleFunc("DELETE /api/v1/sessions/{sessionID}/insights", r.insightsHandler.CancelInsights)
	r.mux.HandleFunc("POST /api/v1/sessions/{sessionID}/insights/{type}/retry", r.insightsHandler.RetryPipeline)

	// Result cache
	r.mux.HandleFunc("GET /api/v1/cache/stats", r.cacheHandler.GetStats)
	r.mux.HandleFunc("DELETE /api/v1/cache", r.cacheHandler.Invalidate)
	r.mux.HandleFunc("POST /api/v1/context/events", r.cacheHandler.PublishContextEvent)

	// Audit trail
	if r.auditHandler != nil {
		r.mux.HandleFunc("GET /api/v1/audit/executions", r.auditHandler.ListExecutions)
		r.mux.HandleFunc("GET /api/v1/audit/metrics", r.auditHandler.GetMetrics)
		r.mux.HandleFunc("GET /api/v1/audit/export", r.auditHandler.Export)
	}

	// Apply middleware in reverse order (last middleware wraps first).
	// CORS is outermost so preflight requests never reach the handlers.
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.ResponseOptimization(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
