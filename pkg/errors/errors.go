package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType classifies registry, store and client failures. Pipeline
// failures use ServiceError and its ErrorCode set instead.
type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	// ErrorTypeDeprecated marks a prompt version past its deprecation date.
	ErrorTypeDeprecated ErrorType = "DEPRECATED"
	ErrorTypeInternal   ErrorType = "INTERNAL"
	// ErrorTypeExternal covers the model endpoint, Redis, Vault and other
	// collaborators outside the process.
	ErrorTypeExternal ErrorType = "EXTERNAL"
)

// Resource kinds named in AppError.Resource.
const (
	ResourcePrompt      = "prompt"
	ResourceAuditRecord = "audit_record"
	ResourcePatient     = "patient"
)

// AppError is a typed failure, optionally tied to the resource it concerns
// (e.g. "prompt safety_check@1.2.0").
type AppError struct {
	Type     ErrorType
	Message  string
	Resource string
	Err      error
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Resource != "" {
		b.WriteString(" [")
		b.WriteString(e.Resource)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithResource tags the error with the resource it concerns.
func (e *AppError) WithResource(kind, id string) *AppError {
	if id == "" {
		e.Resource = kind
	} else {
		e.Resource = kind + " " + id
	}
	return e
}

func newAppError(t ErrorType, message string, err error) *AppError {
	return &AppError{Type: t, Message: message, Err: err}
}

func NewNotFoundError(message string) *AppError {
	return newAppError(ErrorTypeNotFound, message, nil)
}

func NewValidationError(message string) *AppError {
	return newAppError(ErrorTypeValidation, message, nil)
}

func NewConflictError(message string) *AppError {
	return newAppError(ErrorTypeConflict, message, nil)
}

func NewDeprecatedError(message string) *AppError {
	return newAppError(ErrorTypeDeprecated, message, nil)
}

// NewInternalError wraps a failure inside the process or its own database.
func NewInternalError(message string, err error) *AppError {
	return newAppError(ErrorTypeInternal, message, err)
}

// NewExternalError wraps a failure reported by an outside collaborator.
func NewExternalError(message string, err error) *AppError {
	return newAppError(ErrorTypeExternal, message, err)
}

// NewPromptNotFoundError reports a missing prompt id, or a missing version
// of it when version is set.
func NewPromptNotFoundError(id, version string) *AppError {
	if version == "" {
		return NewNotFoundError(fmt.Sprintf("prompt %q not found", id)).WithResource(ResourcePrompt, id)
	}
	return NewNotFoundError(fmt.Sprintf("prompt %q version %s not found", id, version)).
		WithResource(ResourcePrompt, id+"@"+version)
}

// NewAuditRecordNotFoundError reports an unknown execution id.
func NewAuditRecordNotFoundError(executionID string) *AppError {
	return NewNotFoundError(fmt.Sprintf("audit record %s not found", executionID)).
		WithResource(ResourceAuditRecord, executionID)
}

// TypeOf returns the type of the first AppError in err's chain, or "" when
// there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err wraps an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}
