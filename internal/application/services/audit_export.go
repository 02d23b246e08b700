package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// ExportFormat selects the audit export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

var auditCSVHeader = []string{
	"execution_id",
	"timestamp",
	"pipeline_type",
	"patient_id",
	"session_id",
	"organization_id",
	"user_id",
	"status",
	"success",
	"cache_hit",
	"total_ms",
	"prompt_tokens",
	"completion_tokens",
	"total_tokens",
	"estimated_cost",
	"error_code",
	"error_message",
}

// ExportAuditLog encodes every record matching filter. Pagination fields in
// the filter are honored.
func (s *AuditService) ExportAuditLog(ctx context.Context, filter entities.AuditFilter, format ExportFormat) ([]byte, error) {
	entries, _, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load audit records for export", err)
	}

	switch format {
	case ExportJSON, "":
		if entries == nil {
			entries = []*entities.AuditEntry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode audit export", err)
		}
		return data, nil
	case ExportCSV:
		return encodeAuditCSV(entries)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported export format %q", format))
	}
}

func encodeAuditCSV(entries []*entities.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(auditCSVHeader); err != nil {
		return nil, apperrors.NewInternalError("failed to write csv header", err)
	}
	for _, e := range entries {
		if err := w.Write(auditCSVRow(e)); err != nil {
			return nil, apperrors.NewInternalError("failed to write csv row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.NewInternalError("failed to flush csv export", err)
	}
	return buf.Bytes(), nil
}

func auditCSVRow(e *entities.AuditEntry) []string {
	var (
		perf    entities.AuditPerformance
		errCode string
		errMsg  string
	)
	if e.Performance != nil {
		perf = *e.Performance
	}
	if e.Response != nil {
		errCode = e.Response.ErrorCode
		errMsg = e.Response.ErrorMessage
	}

	return []string{
		e.ExecutionID,
		e.Timestamp.UTC().Format(time.RFC3339),
		string(e.PipelineType),
		e.PatientID,
		e.SessionID,
		e.OrganizationID,
		e.UserID,
		string(e.Status),
		strconv.FormatBool(e.Succeeded()),
		strconv.FormatBool(perf.CacheHit),
		strconv.FormatInt(perf.TotalMs, 10),
		strconv.Itoa(perf.PromptTokens),
		strconv.Itoa(perf.CompletionTokens),
		strconv.Itoa(perf.TotalTokens),
		strconv.FormatFloat(perf.EstimatedCost, 'f', 6, 64),
		errCode,
		errMsg,
	}
}
