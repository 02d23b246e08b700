package services

import (
	"context"
	"errors"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// executionStage names the state a failure occurred in.
type executionStage string

const (
	stageCacheCheck  executionStage = "cache_check"
	stageContext     executionStage = "context_aggregation"
	stagePrompt      executionStage = "prompt_resolution"
	stageCompile     executionStage = "prompt_compilation"
	stageModel       executionStage = "model_execution"
	stageValidation  executionStage = "output_validation"
	stageCacheStore  executionStage = "cache_store"
	stageAudit       executionStage = "audit"
	stageUnspecified executionStage = "unspecified"
)

// classifyError normalizes err into a ServiceError for pipelineType.
// Errors that already carry a code keep it.
func classifyError(stage executionStage, pipelineType entities.PipelineType, err error) *apperrors.ServiceError {
	if err == nil {
		return nil
	}
	if svcErr, ok := apperrors.AsServiceError(err); ok {
		if svcErr.PipelineType == "" {
			svcErr.PipelineType = string(pipelineType)
		}
		return svcErr
	}

	code, msg := classifyCode(stage, err)
	return apperrors.NewServiceError(code, msg, err).
		WithPipeline(string(pipelineType)).
		WithContext("stage", string(stage))
}

func classifyCode(stage executionStage, err error) (apperrors.ErrorCode, string) {
	if errors.Is(err, context.Canceled) {
		return apperrors.CodeCancelled, "execution cancelled"
	}

	switch stage {
	case stageContext:
		switch {
		case errors.Is(err, providers.ErrContextNotFound):
			return apperrors.CodeContextNotFound, "no clinical context found"
		case errors.Is(err, providers.ErrInsufficientContext):
			return apperrors.CodeInsufficientContext, "clinical context is insufficient for this analysis"
		default:
			return apperrors.CodeContextAggregationFailed, "failed to aggregate clinical context"
		}

	case stagePrompt:
		switch {
		case apperrors.IsType(err, apperrors.ErrorTypeNotFound), apperrors.IsType(err, apperrors.ErrorTypeDeprecated):
			return apperrors.CodePromptNotFound, "prompt template not available"
		default:
			return apperrors.CodeConfigError, "prompt registry misconfigured"
		}

	case stageCompile:
		return apperrors.CodePromptCompileFailed, "failed to compile prompt"

	case stageModel:
		switch {
		case errors.Is(err, providers.ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
			return apperrors.CodeModelTimeout, "model request timed out"
		case errors.Is(err, providers.ErrModelRateLimited):
			return apperrors.CodeModelRateLimit, "model rate limit exceeded"
		case errors.Is(err, providers.ErrModelConnection):
			return apperrors.CodeModelConnectionError, "model endpoint unavailable"
		case errors.Is(err, providers.ErrModelInvalidResponse):
			return apperrors.CodeModelInvalidResponse, "model returned an invalid response"
		}

	case stageValidation:
		return apperrors.CodeOutputValidationFailed, "model output failed validation"

	case stageCacheCheck, stageCacheStore:
		return apperrors.CodeCacheError, "cache operation failed"

	case stageAudit:
		return apperrors.CodeAuditError, "audit operation failed"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.CodeModelTimeout, "execution timed out"
	}
	return apperrors.CodeUnknown, "unexpected pipeline failure"
}
