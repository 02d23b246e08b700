package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/adapters/database"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

func newTestAuditService(t *testing.T, cfg AuditServiceConfig) (*AuditService, *database.MemoryAuditAdapter) {
	t.Helper()
	repo := database.NewMemoryAuditAdapter()
	cfg.Enabled = true
	svc := NewAuditService(repo, cfg)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, repo
}

func completedEntry(id string, pt entities.PipelineType, totalMs int64, success bool, errCode string) *entities.AuditEntry {
	return &entities.AuditEntry{
		ExecutionID:  id,
		PipelineType: pt,
		PatientID:    "patient-1",
		Status:       entities.AuditStatusCompleted,
		Response:     &entities.AuditResponse{Success: success, ErrorCode: errCode},
		Performance:  &entities.AuditPerformance{TotalMs: totalMs, TotalTokens: 100},
	}
}

func TestAuditService_CreateThenUpdateKeepsOrder(t *testing.T) {
	svc, repo := newTestAuditService(t, AuditServiceConfig{Workers: 4, CostPer1KPrompt: 0.01, CostPer1KCompletion: 0.03})
	ctx := context.Background()

	svc.LogExecution(ctx, &entities.AuditEntry{ExecutionID: "exec-1", PipelineType: entities.PipelineSafetyCheck, PatientID: "p1"})
	svc.UpdateExecution(ctx, "exec-1", &entities.AuditUpdate{
		Status:      entities.AuditStatusCompleted,
		Response:    &entities.AuditResponse{Success: true},
		Performance: &entities.AuditPerformance{TotalMs: 420, PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	})
	require.NoError(t, svc.Flush(ctx))

	entry, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, entities.AuditStatusCompleted, entry.Status)
	assert.True(t, entry.Succeeded())
	assert.InDelta(t, 0.025, entry.Performance.EstimatedCost, 1e-9)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditService_DisabledWritesNothing(t *testing.T) {
	repo := database.NewMemoryAuditAdapter()
	svc := NewAuditService(repo, AuditServiceConfig{Enabled: false})
	defer svc.Close(context.Background())

	svc.LogExecution(context.Background(), &entities.AuditEntry{ExecutionID: "exec-1"})
	require.NoError(t, svc.Flush(context.Background()))
	assert.Equal(t, 0, repo.Len())
}

func TestAuditService_UpdateOfUnknownRecordIsCountedNotReturned(t *testing.T) {
	svc, _ := newTestAuditService(t, AuditServiceConfig{})
	ctx := context.Background()

	svc.UpdateExecution(ctx, "missing", &entities.AuditUpdate{Status: entities.AuditStatusFailed})
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, int64(1), svc.HealthCheck(ctx).Failures)
}

func TestAuditService_SanitizesPayloads(t *testing.T) {
	svc, repo := newTestAuditService(t, AuditServiceConfig{MaxPayloadBytes: 64})
	ctx := context.Background()

	svc.LogExecution(ctx, &entities.AuditEntry{
		ExecutionID: "exec-1",
		Request: entities.AuditRequest{
			TemplateID: "session_note",
			Variables:  map[string]any{"transcript": strings.Repeat("word ", 100)},
		},
		Response: &entities.AuditResponse{Success: true, Data: map[string]any{"summary": "private", "plan": "private"}},
	})
	require.NoError(t, svc.Flush(ctx))

	entry, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, entry.Request.Truncated)
	assert.Len(t, entry.Request.Variables["_truncated"], 64)
	assert.True(t, entry.Response.Summarized)
	assert.Equal(t, map[string]any{"fields": []string{"plan", "summary"}}, entry.Response.Data)
}

func TestComputeAuditMetrics_Percentiles(t *testing.T) {
	var entries []*entities.AuditEntry
	for i := 1; i <= 10; i++ {
		entries = append(entries, completedEntry("e", entities.PipelineSafetyCheck, int64(i*10), true, ""))
	}

	m := ComputeAuditMetrics(entries)
	assert.Equal(t, int64(50), m.P50DurationMs)
	assert.Equal(t, int64(100), m.P95DurationMs)
	assert.Equal(t, int64(100), m.P99DurationMs)
	assert.InDelta(t, 55.0, m.AvgDurationMs, 1e-9)
}

func TestComputeAuditMetrics_Breakdown(t *testing.T) {
	hit := completedEntry("e4", entities.PipelineBillingCPT, 5, true, "")
	hit.Performance.CacheHit = true
	entries := []*entities.AuditEntry{
		completedEntry("e1", entities.PipelineSafetyCheck, 100, true, ""),
		completedEntry("e2", entities.PipelineSafetyCheck, 300, false, string(apperrors.CodeModelTimeout)),
		completedEntry("e3", entities.PipelineBillingCPT, 200, false, string(apperrors.CodeModelTimeout)),
		hit,
		completedEntry("e5", entities.PipelineBillingCPT, 200, false, string(apperrors.CodeContextNotFound)),
		// Pending records count toward totals but not toward success or failure.
		{ExecutionID: "e6", PipelineType: entities.PipelineSessionNote, Status: entities.AuditStatusPending},
	}

	m := ComputeAuditMetrics(entries)
	assert.Equal(t, 6, m.TotalExecutions)
	assert.Equal(t, 2, m.SuccessCount)
	assert.Equal(t, 3, m.FailureCount)
	assert.Equal(t, 1, m.CacheHitCount)
	assert.Equal(t, []entities.ErrorFrequency{
		{Code: string(apperrors.CodeModelTimeout), Count: 2},
		{Code: string(apperrors.CodeContextNotFound), Count: 1},
	}, m.TopErrors)

	safety := m.ByPipeline[entities.PipelineSafetyCheck]
	require.NotNil(t, safety)
	assert.Equal(t, 2, safety.Count)
	assert.InDelta(t, 0.5, safety.SuccessRate, 1e-9)
	assert.InDelta(t, 200.0, safety.AvgDurationMs, 1e-9)
}

func TestComputeAuditMetrics_Empty(t *testing.T) {
	m := ComputeAuditMetrics(nil)
	assert.Equal(t, 0, m.TotalExecutions)
	assert.Empty(t, m.TopErrors)
}

func TestAuditService_GetExecutionsPagination(t *testing.T) {
	svc, _ := newTestAuditService(t, AuditServiceConfig{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.LogExecution(ctx, completedEntry(string(rune('a'+i)), entities.PipelineSafetyCheck, 10, true, ""))
	}
	require.NoError(t, svc.Flush(ctx))

	page, err := svc.GetExecutions(ctx, entities.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)

	page, err = svc.GetExecutions(ctx, entities.AuditFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
}

func TestAuditService_ExportFormats(t *testing.T) {
	svc, _ := newTestAuditService(t, AuditServiceConfig{})
	ctx := context.Background()
	svc.LogExecution(ctx, completedEntry("exec-1", entities.PipelineSafetyCheck, 120, true, ""))
	svc.LogExecution(ctx, completedEntry("exec-2", entities.PipelineBillingCPT, 80, false, "MODEL_TIMEOUT"))
	require.NoError(t, svc.Flush(ctx))

	data, err := svc.ExportAuditLog(ctx, entities.AuditFilter{}, ExportJSON)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 2)

	data, err = svc.ExportAuditLog(ctx, entities.AuditFilter{PipelineType: entities.PipelineBillingCPT}, ExportCSV)
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, auditCSVHeader, rows[0])
	assert.Equal(t, "exec-2", rows[1][0])
	assert.Equal(t, "false", rows[1][8])
	assert.Equal(t, "MODEL_TIMEOUT", rows[1][15])

	_, err = svc.ExportAuditLog(ctx, entities.AuditFilter{}, "xml")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestAuditService_Cleanup(t *testing.T) {
	svc, repo := newTestAuditService(t, AuditServiceConfig{})
	ctx := context.Background()

	old := completedEntry("old", entities.PipelineSafetyCheck, 10, true, "")
	old.Timestamp = time.Now().AddDate(0, 0, -100)
	svc.LogExecution(ctx, old)
	svc.LogExecution(ctx, completedEntry("new", entities.PipelineSafetyCheck, 10, true, ""))
	require.NoError(t, svc.Flush(ctx))

	n, err := svc.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, repo.Len())

	_, err = svc.Cleanup(ctx, 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestAuditService_CloseDropsLateWrites(t *testing.T) {
	repo := database.NewMemoryAuditAdapter()
	svc := NewAuditService(repo, AuditServiceConfig{Enabled: true})
	ctx := context.Background()

	svc.LogExecution(ctx, completedEntry("exec-1", entities.PipelineSafetyCheck, 10, true, ""))
	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 1, repo.Len())

	svc.LogExecution(ctx, completedEntry("exec-2", entities.PipelineSafetyCheck, 10, true, ""))
	assert.Equal(t, int64(1), svc.HealthCheck(ctx).Dropped)
	assert.NoError(t, svc.Flush(ctx))
}
