package services

import (
	"errors"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/schema"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// ParserOptions configures an OutputParser.
type ParserOptions struct {
	// PartialExtraction keeps the top-level fields that validate on their
	// own when the whole value does not.
	PartialExtraction bool
	// Fallback is returned by Parse instead of an error when set.
	Fallback map[string]any
}

// ParseResult is the non-failing outcome of SafeParse.
type ParseResult struct {
	Data         map[string]any
	Partial      map[string]any
	Err          *apperrors.ServiceError
	FallbackUsed bool
}

// OutputParser turns raw model text into a schema-conformant object.
type OutputParser struct {
	pipelineType entities.PipelineType
	schema       *schema.Schema
	opts         ParserOptions
}

// NewOutputParser creates a parser for one pipeline's output schema
func NewOutputParser(pipelineType entities.PipelineType, s *schema.Schema, opts ParserOptions) *OutputParser {
	return &OutputParser{
		pipelineType: pipelineType,
		schema:       s,
		opts:         opts,
	}
}

// Parse returns the validated object. On failure it returns the configured
// fallback, or a ServiceError carrying any partially extracted fields.
func (p *OutputParser) Parse(raw string) (map[string]any, bool, error) {
	res := p.SafeParse(raw)
	if res.Err != nil {
		return nil, false, res.Err
	}
	return res.Data, res.FallbackUsed, nil
}

// SafeParse never fails; the outcome is described by the result fields.
func (p *OutputParser) SafeParse(raw string) ParseResult {
	value, err := ExtractJSON(raw)
	if err != nil {
		return p.fail(apperrors.NewServiceError(apperrors.CodeOutputValidationFailed,
			"model output is not valid JSON", err), nil)
	}
	return p.validate(value)
}

// ValidateObject checks an already decoded value, as returned by endpoints
// with structured output.
func (p *OutputParser) ValidateObject(value map[string]any) ParseResult {
	return p.validate(value)
}

func (p *OutputParser) validate(value any) ParseResult {
	verr := p.schema.Validate(value)
	if verr == nil {
		obj, ok := value.(map[string]any)
		if !ok {
			obj = map[string]any{"value": value}
		}
		return ParseResult{Data: obj}
	}

	var partial map[string]any
	if p.opts.PartialExtraction {
		partial = p.extractPartial(value)
	}
	return p.fail(apperrors.NewServiceError(classifyValidation(verr), "model output failed schema validation", verr), partial)
}

func (p *OutputParser) fail(svcErr *apperrors.ServiceError, partial map[string]any) ParseResult {
	svcErr.WithPipeline(string(p.pipelineType))
	if len(partial) > 0 {
		svcErr.PartialData = partial
	}
	if p.opts.Fallback != nil {
		return ParseResult{Data: cloneMap(p.opts.Fallback), Partial: partial, FallbackUsed: true}
	}
	return ParseResult{Partial: partial, Err: svcErr}
}

// extractPartial keeps the top-level keys whose values conform on their own.
// For object schemas each key is checked against its field sub-schema; for
// other schemas a single-key object is re-validated against the whole schema.
func (p *OutputParser) extractPartial(value any) map[string]any {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	partial := make(map[string]any)
	for key, v := range obj {
		if p.schema.IsObject() {
			sub, ok := p.schema.Field(key)
			if ok && sub.Validate(v) == nil {
				partial[key] = v
			}
			continue
		}
		if p.schema.Validate(map[string]any{key: v}) == nil {
			partial[key] = v
		}
	}
	return partial
}

func classifyValidation(err error) apperrors.ErrorCode {
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return apperrors.CodeOutputValidationFailed
	}
	switch {
	case verr.RootMismatch():
		return apperrors.CodeSchemaMismatch
	case verr.OnlyMissingRequired():
		return apperrors.CodeMissingRequiredFields
	default:
		return apperrors.CodeOutputValidationFailed
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
