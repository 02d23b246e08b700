package entities

import "time"

// AuditStatus is the lifecycle state of an audit record.
type AuditStatus string

const (
	AuditStatusPending   AuditStatus = "pending"
	AuditStatusCompleted AuditStatus = "completed"
	AuditStatusFailed    AuditStatus = "failed"
	AuditStatusCancelled AuditStatus = "cancelled"
)

// AuditRequest captures what was sent for an execution.
type AuditRequest struct {
	TemplateID      string         `json:"template_id,omitempty"`
	TemplateVersion string         `json:"template_version,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Truncated       bool           `json:"truncated,omitempty"`
}

// AuditResponse captures the outcome of an execution.
type AuditResponse struct {
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Summarized   bool   `json:"summarized,omitempty"`
}

// AuditPerformance captures latency, cache and token accounting.
type AuditPerformance struct {
	ContextMs        int64   `json:"context_ms"`
	PromptMs         int64   `json:"prompt_ms"`
	ModelMs          int64   `json:"model_ms"`
	ValidationMs     int64   `json:"validation_ms"`
	TotalMs          int64   `json:"total_ms"`
	CacheHit         bool    `json:"cache_hit"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// AuditEntry is the persisted record of one pipeline execution.
type AuditEntry struct {
	ExecutionID    string            `json:"execution_id" db:"execution_id"`
	PipelineType   PipelineType      `json:"pipeline_type" db:"pipeline_type"`
	PatientID      string            `json:"patient_id" db:"patient_id"`
	SessionID      string            `json:"session_id,omitempty" db:"session_id"`
	OrganizationID string            `json:"organization_id,omitempty" db:"organization_id"`
	UserID         string            `json:"user_id,omitempty" db:"user_id"`
	Status         AuditStatus       `json:"status" db:"status"`
	Request        AuditRequest      `json:"request" db:"request"`
	Response       *AuditResponse    `json:"response,omitempty" db:"response"`
	Performance    *AuditPerformance `json:"performance,omitempty" db:"performance"`
	Metadata       map[string]any    `json:"metadata,omitempty" db:"metadata"`
	Timestamp      time.Time         `json:"timestamp" db:"timestamp"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// Succeeded reports whether the entry recorded a successful execution.
func (e *AuditEntry) Succeeded() bool {
	return e.Response != nil && e.Response.Success
}

// CacheHit reports whether the entry was served from cache.
func (e *AuditEntry) CacheHit() bool {
	return e.Performance != nil && e.Performance.CacheHit
}

// DurationMs returns the recorded total latency, or 0 when unknown.
func (e *AuditEntry) DurationMs() int64 {
	if e.Performance == nil {
		return 0
	}
	return e.Performance.TotalMs
}

// Tokens returns the recorded total tokens, or 0 when unknown.
func (e *AuditEntry) Tokens() int {
	if e.Performance == nil {
		return 0
	}
	return e.Performance.TotalTokens
}

// AuditUpdate patches an existing entry. Nil fields are left unchanged.
type AuditUpdate struct {
	Status      AuditStatus
	Response    *AuditResponse
	Performance *AuditPerformance
	Metadata    map[string]any
}

// AuditOrderBy selects the sort column for audit queries.
type AuditOrderBy string

const (
	AuditOrderByTimestamp AuditOrderBy = "timestamp"
	AuditOrderByDuration  AuditOrderBy = "duration"
	AuditOrderByTokens    AuditOrderBy = "tokens"
)

// AuditFilter selects audit entries. Zero values do not filter.
type AuditFilter struct {
	ExecutionID    string
	PipelineType   PipelineType
	PatientID      string
	SessionID      string
	OrganizationID string
	UserID         string
	StartDate      *time.Time
	EndDate        *time.Time
	Success        *bool
	CacheHit       *bool
	Limit          int
	Offset         int
	OrderBy        AuditOrderBy
	Ascending      bool
}

// AuditQueryResult is a page of audit entries.
type AuditQueryResult struct {
	Entries []*AuditEntry `json:"entries"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

// PipelineAuditMetrics is the per-pipeline breakdown of AuditMetrics.
type PipelineAuditMetrics struct {
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
	AvgTokens     float64 `json:"avg_tokens"`
}

// ErrorFrequency counts occurrences of one error code.
type ErrorFrequency struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// AuditMetrics aggregates audit entries over a time range.
type AuditMetrics struct {
	TotalExecutions    int                                    `json:"total_executions"`
	SuccessCount       int                                    `json:"success_count"`
	FailureCount       int                                    `json:"failure_count"`
	CacheHitCount      int                                    `json:"cache_hit_count"`
	CacheHitRate       float64                                `json:"cache_hit_rate"`
	AvgDurationMs      float64                                `json:"avg_duration_ms"`
	P50DurationMs      int64                                  `json:"p50_duration_ms"`
	P95DurationMs      int64                                  `json:"p95_duration_ms"`
	P99DurationMs      int64                                  `json:"p99_duration_ms"`
	TotalTokens        int                                    `json:"total_tokens"`
	AvgTokens          float64                                `json:"avg_tokens"`
	EstimatedTotalCost float64                                `json:"estimated_total_cost"`
	ByPipeline         map[PipelineType]*PipelineAuditMetrics `json:"by_pipeline"`
	TopErrors          []ErrorFrequency                       `json:"top_errors"`
}
