package entities

import (
	"time"

	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// PipelineType identifies one LLM-backed analysis over a clinical session.
type PipelineType string

const (
	PipelineSafetyCheck        PipelineType = "safety_check"
	PipelineBillingCPT         PipelineType = "billing_cpt"
	PipelineProgressAssessment PipelineType = "progress_assessment"
	PipelineSessionNote        PipelineType = "session_note"
)

// AllPipelineTypes returns every known pipeline type.
func AllPipelineTypes() []PipelineType {
	return []PipelineType{
		PipelineSafetyCheck,
		PipelineBillingCPT,
		PipelineProgressAssessment,
		PipelineSessionNote,
	}
}

// Valid reports whether t is a known pipeline type.
func (t PipelineType) Valid() bool {
	for _, known := range AllPipelineTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// PipelineStatus is the lifecycle state of one pipeline inside an analysis.
type PipelineStatus string

const (
	PipelineStatusIdle      PipelineStatus = "idle"
	PipelineStatusLoading   PipelineStatus = "loading"
	PipelineStatusSuccess   PipelineStatus = "success"
	PipelineStatusError     PipelineStatus = "error"
	PipelineStatusCancelled PipelineStatus = "cancelled"
)

// TokenUsage counts model tokens for one execution.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LatencyBreakdown records per-stage durations in milliseconds.
type LatencyBreakdown struct {
	ContextMs    int64 `json:"context_ms"`
	PromptMs     int64 `json:"prompt_ms"`
	ModelMs      int64 `json:"model_ms"`
	ValidationMs int64 `json:"validation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// ExecutionMetadata describes how a pipeline result was produced.
type ExecutionMetadata struct {
	ExecutionID   string           `json:"execution_id"`
	PipelineType  PipelineType     `json:"pipeline_type"`
	PromptID      string           `json:"prompt_id,omitempty"`
	PromptVersion string           `json:"prompt_version,omitempty"`
	ModelUsed     string           `json:"model_used,omitempty"`
	TokenUsage    TokenUsage       `json:"token_usage"`
	Latency       LatencyBreakdown `json:"latency"`
	CacheHit      bool             `json:"cache_hit"`
	Attempts      int              `json:"attempts"`
	FallbackUsed  bool             `json:"fallback_used,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// PipelineResult is the outcome of one pipeline execution. Exactly one of
// Data and Error is set.
type PipelineResult struct {
	Success       bool                    `json:"success"`
	Data          map[string]any          `json:"data,omitempty"`
	Error         *apperrors.ServiceError `json:"error,omitempty"`
	Cancelled     bool                    `json:"cancelled,omitempty"`
	ExecutionTime time.Duration           `json:"execution_time"`
	Timestamp     time.Time               `json:"timestamp"`
	Metadata      *ExecutionMetadata      `json:"metadata,omitempty"`
}

// AnalysisOptions parameterize a single pipeline execution.
type AnalysisOptions struct {
	PatientID      string         `json:"patient_id"`
	SessionID      string         `json:"session_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	PromptVersion  string         `json:"prompt_version,omitempty"`
	SkipCache      bool           `json:"skip_cache,omitempty"`
	// MaxRetries caps the retry budget below the error strategy's limit.
	// Nil leaves the strategy limit in place.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// AnalysisRequest is one entry of a batch.
type AnalysisRequest struct {
	ID           string          `json:"id"`
	PipelineType PipelineType    `json:"pipeline_type"`
	Options      AnalysisOptions `json:"options"`
}

// InsightsContext identifies the session a multi-pipeline analysis runs for.
type InsightsContext struct {
	PatientID      string         `json:"patient_id"`
	SessionID      string         `json:"session_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	// PipelineTypes restricts the analysis to a subset; empty means all enabled.
	PipelineTypes []PipelineType `json:"pipeline_types,omitempty"`
}

// PipelineState is the per-pipeline slice of an AIInsightsState.
type PipelineState struct {
	Status   PipelineStatus          `json:"status"`
	Data     map[string]any          `json:"data,omitempty"`
	Error    *apperrors.ServiceError `json:"error,omitempty"`
	Progress int                     `json:"progress"`
	Metadata *ExecutionMetadata      `json:"metadata,omitempty"`
}

// AIInsightsState aggregates one orchestrated analysis. It is built per call
// and never persisted.
type AIInsightsState struct {
	SessionID       string                          `json:"session_id"`
	PatientID       string                          `json:"patient_id"`
	Pipelines       map[PipelineType]*PipelineState `json:"pipelines"`
	OverallProgress float64                         `json:"overall_progress"`
	StartedAt       time.Time                       `json:"started_at"`
	CompletedAt     *time.Time                      `json:"completed_at,omitempty"`
}

// PipelineUpdate is emitted to streaming callers as pipelines progress.
type PipelineUpdate struct {
	SessionID       string        `json:"session_id"`
	PipelineType    PipelineType  `json:"pipeline_type"`
	State           PipelineState `json:"state"`
	OverallProgress float64       `json:"overall_progress"`
	Timestamp       time.Time     `json:"timestamp"`
}
