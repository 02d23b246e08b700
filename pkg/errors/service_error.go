package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a pipeline failure. Every failure surfaced by the
// pipeline executor carries exactly one of these codes.
type ErrorCode string

const (
	CodeContextAggregationFailed ErrorCode = "CONTEXT_AGGREGATION_FAILED"
	CodeContextNotFound          ErrorCode = "CONTEXT_NOT_FOUND"
	CodeInsufficientContext      ErrorCode = "INSUFFICIENT_CONTEXT"
	CodePromptNotFound           ErrorCode = "PROMPT_NOT_FOUND"
	CodePromptCompileFailed      ErrorCode = "PROMPT_COMPILE_FAILED"
	CodePromptTooLarge           ErrorCode = "PROMPT_TOO_LARGE"
	CodeModelTimeout             ErrorCode = "MODEL_TIMEOUT"
	CodeModelRateLimit           ErrorCode = "MODEL_RATE_LIMIT"
	CodeModelInvalidResponse     ErrorCode = "MODEL_INVALID_RESPONSE"
	CodeModelConnectionError     ErrorCode = "MODEL_CONNECTION_ERROR"
	CodeOutputValidationFailed   ErrorCode = "OUTPUT_VALIDATION_FAILED"
	CodeSchemaMismatch           ErrorCode = "SCHEMA_MISMATCH"
	CodeMissingRequiredFields    ErrorCode = "MISSING_REQUIRED_FIELDS"
	CodeCacheError               ErrorCode = "CACHE_ERROR"
	CodeAuditError               ErrorCode = "AUDIT_ERROR"
	CodeConfigError              ErrorCode = "CONFIG_ERROR"
	CodeUnknown                  ErrorCode = "UNKNOWN"

	// CodeCancelled marks an execution stopped by its caller. It is terminal
	// and never retried.
	CodeCancelled ErrorCode = "CANCELLED"
)

// ServiceError is the normalized failure carried by pipeline results.
type ServiceError struct {
	Code         ErrorCode      `json:"code"`
	Message      string         `json:"message"`
	PipelineType string         `json:"pipeline_type,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	PartialData  map[string]any `json:"partial_data,omitempty"`
	Err          error          `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	prefix := string(e.Code)
	if e.PipelineType != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.PipelineType)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements the unwrap interface
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new service error with the given code
func NewServiceError(code ErrorCode, message string, err error) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithPipeline sets the pipeline type and returns the same error.
func (e *ServiceError) WithPipeline(pipelineType string) *ServiceError {
	e.PipelineType = pipelineType
	return e
}

// WithContext attaches a diagnostic key/value and returns the same error.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AsServiceError extracts a ServiceError from an error chain.
func AsServiceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	if stderrors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	if svcErr, ok := AsServiceError(err); ok {
		return svcErr.Code
	}
	return CodeUnknown
}
