package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const maxRequestBodyBytes = 1 << 20

// StatusClientClosedRequest is returned when the caller cancelled the work.
const StatusClientClosedRequest = 499

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps registry and store errors to HTTP statuses.
func respondWithAppError(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.Error().Err(err).Msg("unhandled request error")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		respondWithError(w, http.StatusBadRequest, appErr.Message)
	case apperrors.ErrorTypeNotFound:
		respondWithError(w, http.StatusNotFound, appErr.Message)
	case apperrors.ErrorTypeConflict:
		respondWithError(w, http.StatusConflict, appErr.Message)
	case apperrors.ErrorTypeDeprecated:
		respondWithError(w, http.StatusGone, appErr.Message)
	case apperrors.ErrorTypeExternal:
		respondWithError(w, http.StatusBadGateway, appErr.Message)
	default:
		log.Error().Err(err).Msg("internal error")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

// statusForCode maps a pipeline error code to the HTTP status of a failed
// single-pipeline response.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.CodeConfigError:
		return http.StatusBadRequest
	case apperrors.CodeContextNotFound, apperrors.CodePromptNotFound:
		return http.StatusNotFound
	case apperrors.CodeInsufficientContext, apperrors.CodePromptCompileFailed, apperrors.CodePromptTooLarge:
		return http.StatusUnprocessableEntity
	case apperrors.CodeModelRateLimit:
		return http.StatusTooManyRequests
	case apperrors.CodeModelTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeModelConnectionError, apperrors.CodeModelInvalidResponse,
		apperrors.CodeOutputValidationFailed, apperrors.CodeSchemaMismatch, apperrors.CodeMissingRequiredFields:
		return http.StatusBadGateway
	case apperrors.CodeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
