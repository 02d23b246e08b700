package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
)

// HealthReporter reports service health.
type HealthReporter interface {
	GetHealth(ctx context.Context) services.OrchestratorHealth
}

// AuditHealthReporter reports audit writer health.
type AuditHealthReporter interface {
	HealthCheck(ctx context.Context) services.AuditHealth
}

// HealthHandler handles health endpoints
type HealthHandler struct {
	orchestrator HealthReporter
	audit        AuditHealthReporter
}

// NewHealthHandler creates a new health handler. audit may be nil.
func NewHealthHandler(orchestrator HealthReporter, audit AuditHealthReporter) *HealthHandler {
	return &HealthHandler{orchestrator: orchestrator, audit: audit}
}

// Liveness always answers OK while the process serves requests
// GET /health
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GetHealth returns dependency health, pipeline probes and recent execution
// statistics. Unhealthy services answer 503.
// GET /api/v1/health
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health := h.orchestrator.GetHealth(r.Context())

	body := map[string]any{
		"status":  "healthy",
		"service": health,
	}
	status := http.StatusOK
	if !health.Healthy {
		body["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if h.audit != nil {
		// The audit trail is best effort, so it never fails the health check.
		body["audit"] = h.audit.HealthCheck(r.Context())
	}
	respondWithJSON(w, status, body)
}
