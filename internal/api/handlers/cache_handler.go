package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// ResultCacheAdmin exposes cache statistics and invalidation.
type ResultCacheAdmin interface {
	CacheStats() entities.CacheStats
	InvalidateCache(ctx context.Context, patterns ...string) int
	InvalidatePatient(ctx context.Context, patientID string) int
	KeyPrefix() string
}

// ContextChangeNotifier announces clinical context changes to every instance.
type ContextChangeNotifier interface {
	NotifyContextChanged(ctx context.Context, event *entities.ContextEvent) (int, error)
}

// CacheHandler handles result cache administration
type CacheHandler struct {
	cache    ResultCacheAdmin
	notifier ContextChangeNotifier
}

// NewCacheHandler creates a new cache handler. notifier may be nil, in which
// case context events are rejected.
func NewCacheHandler(cache ResultCacheAdmin, notifier ContextChangeNotifier) *CacheHandler {
	return &CacheHandler{cache: cache, notifier: notifier}
}

// GetStats returns cache counters
// GET /api/v1/cache/stats
func (h *CacheHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.cache.CacheStats())
}

// Invalidate drops cached results. Query: pattern (raw glob), or any of
// pipeline_type, patient_id, prompt_version, session_id. No parameters
// clears every result under the key prefix.
// DELETE /api/v1/cache
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var patterns []string
	if pattern := query.Get("pattern"); pattern != "" {
		patterns = []string{pattern}
	} else {
		params := services.CachePatternParams{
			PipelineType:  entities.PipelineType(query.Get("pipeline_type")),
			PatientID:     query.Get("patient_id"),
			PromptVersion: query.Get("prompt_version"),
			SessionID:     query.Get("session_id"),
		}
		if params.PipelineType != "" && !params.PipelineType.Valid() {
			respondWithError(w, http.StatusBadRequest, "unknown pipeline type: "+string(params.PipelineType))
			return
		}
		patterns = services.GenerateCachePatterns(h.cache.KeyPrefix(), params)
	}

	removed := h.cache.InvalidateCache(r.Context(), patterns...)
	respondWithJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"removed":  removed,
	})
}

// PublishContextEvent records that a session, patient or prompt changed and
// invalidates the affected results on every instance.
// POST /api/v1/context/events
func (h *CacheHandler) PublishContextEvent(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		respondWithError(w, http.StatusServiceUnavailable, "context events are disabled")
		return
	}

	var req struct {
		Type         entities.ContextEventType `json:"type"`
		PatientID    string                    `json:"patient_id"`
		SessionID    string                    `json:"session_id,omitempty"`
		PipelineType entities.PipelineType     `json:"pipeline_type,omitempty"`
		Source       string                    `json:"source,omitempty"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	event := entities.NewContextEvent(req.Type, req.PatientID, req.SessionID)
	event.PipelineType = req.PipelineType
	event.Source = req.Source

	removed, err := h.notifier.NotifyContextChanged(r.Context(), event)
	if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeExternal) {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]any{
		"event_id":        event.ID,
		"broadcast":       err == nil,
		"removed_locally": removed,
	})
}
