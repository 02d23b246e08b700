package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// AuditReader queries the execution audit trail.
type AuditReader interface {
	GetExecutions(ctx context.Context, filter entities.AuditFilter) (*entities.AuditQueryResult, error)
	GetMetrics(ctx context.Context, start, end time.Time, organizationID string) (*entities.AuditMetrics, error)
	ExportAuditLog(ctx context.Context, filter entities.AuditFilter, format services.ExportFormat) ([]byte, error)
}

// AuditHandler handles audit trail queries
type AuditHandler struct {
	audit AuditReader
	now   func() time.Time
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(audit AuditReader) *AuditHandler {
	return &AuditHandler{audit: audit, now: time.Now}
}

// ListExecutions returns a filtered page of audit records
// GET /api/v1/audit/executions
func (h *AuditHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query(), true)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.audit.GetExecutions(r.Context(), filter)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// GetMetrics aggregates the audit trail over a time range. Without start and
// end the last 24 hours are used.
// GET /api/v1/audit/metrics
func (h *AuditHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	end := h.now().UTC()
	start := end.Add(-24 * time.Hour)
	if v := query.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid start parameter")
			return
		}
		start = t
	}
	if v := query.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid end parameter")
			return
		}
		end = t
	}
	if end.Before(start) {
		respondWithError(w, http.StatusBadRequest, "end must not be before start")
		return
	}

	metrics, err := h.audit.GetMetrics(r.Context(), start, end, query.Get("organization_id"))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"start":   start,
		"end":     end,
		"metrics": metrics,
	})
}

// Export downloads matching audit records as JSON or CSV
// GET /api/v1/audit/export?format=csv
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := parseAuditFilter(query, false)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	format := services.ExportFormat(query.Get("format"))
	if format == "" {
		format = services.ExportJSON
	}

	data, err := h.audit.ExportAuditLog(r.Context(), filter, format)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	contentType := "application/json"
	if format == services.ExportCSV {
		contentType = "text/csv"
	}
	filename := fmt.Sprintf("audit-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseAuditFilter reads audit filters from query parameters. Pagination is
// only applied when paged is set; exports return every match.
func parseAuditFilter(query url.Values, paged bool) (entities.AuditFilter, error) {
	filter := entities.AuditFilter{
		ExecutionID:    query.Get("execution_id"),
		PipelineType:   entities.PipelineType(query.Get("pipeline_type")),
		PatientID:      query.Get("patient_id"),
		SessionID:      query.Get("session_id"),
		OrganizationID: query.Get("organization_id"),
		UserID:         query.Get("user_id"),
		OrderBy:        entities.AuditOrderBy(query.Get("order_by")),
	}
	if filter.PipelineType != "" && !filter.PipelineType.Valid() {
		return filter, fmt.Errorf("unknown pipeline type: %s", filter.PipelineType)
	}
	switch filter.OrderBy {
	case "", entities.AuditOrderByTimestamp, entities.AuditOrderByDuration, entities.AuditOrderByTokens:
	default:
		return filter, fmt.Errorf("invalid order_by: %s", filter.OrderBy)
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start", &filter.StartDate}, {"end", &filter.EndDate}} {
		if v := query.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, fmt.Errorf("invalid %s parameter", p.name)
			}
			*p.dst = &t
		}
	}

	for _, p := range []struct {
		name string
		dst  **bool
	}{{"success", &filter.Success}, {"cache_hit", &filter.CacheHit}} {
		if v := query.Get(p.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return filter, fmt.Errorf("invalid %s parameter", p.name)
			}
			*p.dst = &b
		}
	}

	if v := query.Get("ascending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid ascending parameter")
		}
		filter.Ascending = b
	}

	if !paged {
		return filter, nil
	}
	filter.Limit = defaultAuditPageSize
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit parameter")
		}
		if n > maxAuditPageSize {
			n = maxAuditPageSize
		}
		filter.Limit = n
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset parameter")
		}
		filter.Offset = n
	}
	return filter, nil
}
