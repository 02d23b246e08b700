package providers

import (
	"context"
	"errors"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/schema"
)

var (
	// ErrModelTimeout is returned when the model call exceeded its deadline.
	ErrModelTimeout = errors.New("model request timed out")
	// ErrModelRateLimited is returned when the endpoint rejected the call for rate reasons.
	ErrModelRateLimited = errors.New("model rate limit exceeded")
	// ErrModelConnection is returned when the endpoint could not be reached or failed server-side.
	ErrModelConnection = errors.New("model endpoint unavailable")
	// ErrModelInvalidResponse is returned when the endpoint answered with an unusable payload.
	ErrModelInvalidResponse = errors.New("model returned an invalid response")
)

// ModelRequest is a single completion request.
type ModelRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	// Schema, when set with Structured, asks the endpoint to guarantee the
	// output conforms to it.
	Schema     *schema.Schema
	SchemaName string
	Structured bool
}

// ModelResponse is the endpoint's answer. Object is set only when the
// endpoint guaranteed schema conformance.
type ModelResponse struct {
	Text         string
	Object       map[string]any
	Usage        entities.TokenUsage
	Model        string
	FinishReason string
}

// ModelInvoker calls an LLM endpoint.
type ModelInvoker interface {
	Invoke(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	Ping(ctx context.Context) error
}
