package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
)

// InsightsCoordinator runs multi-pipeline analyses for a session.
type InsightsCoordinator interface {
	CoordinateAnalysis(ctx context.Context, ic entities.InsightsContext) (*entities.AIInsightsState, error)
	StreamAnalysis(ctx context.Context, ic entities.InsightsContext, onUpdate services.UpdateFunc) (*entities.AIInsightsState, error)
	RetryPipeline(ctx context.Context, pipelineType entities.PipelineType, ic entities.InsightsContext) *entities.PipelineResult
	CancelAnalysis(sessionID string) int
}

// InsightsHandler handles session-level insight requests
type InsightsHandler struct {
	orchestrator InsightsCoordinator
}

// NewInsightsHandler creates a new insights handler
func NewInsightsHandler(orchestrator InsightsCoordinator) *InsightsHandler {
	return &InsightsHandler{orchestrator: orchestrator}
}

// insightsRequest is the body of a session analysis request. The session id
// comes from the path.
type insightsRequest struct {
	PatientID      string                  `json:"patient_id"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	UserID         string                  `json:"user_id,omitempty"`
	Variables      map[string]any          `json:"variables,omitempty"`
	PipelineTypes  []entities.PipelineType `json:"pipeline_types,omitempty"`
}

func (req insightsRequest) context(sessionID string) entities.InsightsContext {
	return entities.InsightsContext{
		PatientID:      req.PatientID,
		SessionID:      sessionID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Variables:      req.Variables,
		PipelineTypes:  req.PipelineTypes,
	}
}

// CoordinateInsights runs every enabled pipeline and returns the settled state
// POST /api/v1/sessions/{sessionID}/insights
func (h *InsightsHandler) CoordinateInsights(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	var req insightsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	state, err := h.orchestrator.CoordinateAnalysis(r.Context(), req.context(sessionID))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// StreamInsights runs the analysis and streams pipeline updates as
// Server-Sent Events. Query: patient_id (required), pipelines (comma
// separated), organization_id, user_id.
// GET /api/v1/sessions/{sessionID}/insights/stream
func (h *InsightsHandler) StreamInsights(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	query := r.URL.Query()
	ic := entities.InsightsContext{
		PatientID:      query.Get("patient_id"),
		SessionID:      sessionID,
		OrganizationID: query.Get("organization_id"),
		UserID:         query.Get("user_id"),
	}
	if raw := query.Get("pipelines"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				ic.PipelineTypes = append(ic.PipelineTypes, entities.PipelineType(name))
			}
		}
	}
	if sessionID == "" || ic.PatientID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID and patient_id are required")
		return
	}

	stream, ok := newEventStream(w)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stopHeartbeat := stream.heartbeat(r.Context(), sseHeartbeatInterval)
	defer stopHeartbeat()

	stream.send("connected", map[string]any{
		"session_id": sessionID,
		"patient_id": ic.PatientID,
	})

	state, err := h.orchestrator.StreamAnalysis(r.Context(), ic, func(update entities.PipelineUpdate) {
		stream.send("pipeline_update", update)
	})
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn().Err(err).Str("session_id", sessionID).Msg("insights stream rejected")
		stream.send("error", map[string]string{"error": err.Error()})
		return
	}
	stream.send("complete", state)
}

// CancelInsights cancels every in-flight analysis for the session
// DELETE /api/v1/sessions/{sessionID}/insights
func (h *InsightsHandler) CancelInsights(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	cancelled := h.orchestrator.CancelAnalysis(sessionID)
	respondWithJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"cancelled":  cancelled,
	})
}

// RetryPipeline re-runs one pipeline for the session without the cache
// POST /api/v1/sessions/{sessionID}/insights/{type}/retry
func (h *InsightsHandler) RetryPipeline(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	pipelineType := entities.PipelineType(r.PathValue("type"))
	if !pipelineType.Valid() {
		respondWithError(w, http.StatusNotFound, "unknown pipeline type: "+string(pipelineType))
		return
	}

	var req insightsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.PatientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient_id is required")
		return
	}

	result := h.orchestrator.RetryPipeline(r.Context(), pipelineType, req.context(sessionID))
	respondWithResult(w, result)
}
