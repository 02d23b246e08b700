package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/clinical-insights/backend/internal/application/services"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

const maxBatchSize = 50

// PipelineRunner executes individual pipelines.
type PipelineRunner interface {
	Analyze(ctx context.Context, pipelineType entities.PipelineType, opts entities.AnalysisOptions) *entities.PipelineResult
	AnalyzeBatch(ctx context.Context, requests []entities.AnalysisRequest) map[string]*entities.PipelineResult
	ProbePipeline(ctx context.Context, pipelineType entities.PipelineType) services.PipelineProbe
}

// PipelineHandler handles single-pipeline and batch analysis requests
type PipelineHandler struct {
	executor PipelineRunner
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(executor PipelineRunner) *PipelineHandler {
	return &PipelineHandler{executor: executor}
}

// Analyze runs one pipeline
// POST /api/v1/pipelines/{type}/analyze
func (h *PipelineHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	pipelineType := entities.PipelineType(r.PathValue("type"))
	if !pipelineType.Valid() {
		respondWithError(w, http.StatusNotFound, "unknown pipeline type: "+string(pipelineType))
		return
	}

	var opts entities.AnalysisOptions
	if !decodeJSONBody(w, r, &opts) {
		return
	}

	respondWithResult(w, h.executor.Analyze(r.Context(), pipelineType, opts))
}

type batchRequest struct {
	Requests []entities.AnalysisRequest `json:"requests"`
}

// AnalyzeBatch runs independent pipeline requests concurrently. Results are
// keyed by request id; one failure never fails the batch.
// POST /api/v1/pipelines/batch
func (h *PipelineHandler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Requests) == 0 {
		respondWithError(w, http.StatusBadRequest, "at least one request is required")
		return
	}
	if len(req.Requests) > maxBatchSize {
		respondWithError(w, http.StatusBadRequest, "too many requests in batch")
		return
	}

	results := h.executor.AnalyzeBatch(r.Context(), req.Requests)
	respondWithJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// ProbePipeline reports whether a pipeline is enabled and its prompt resolves
// GET /api/v1/pipelines/{type}/health
func (h *PipelineHandler) ProbePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineType := entities.PipelineType(r.PathValue("type"))
	if !pipelineType.Valid() {
		respondWithError(w, http.StatusNotFound, "unknown pipeline type: "+string(pipelineType))
		return
	}

	probe := h.executor.ProbePipeline(r.Context(), pipelineType)
	status := http.StatusOK
	if probe.Enabled && !probe.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondWithJSON(w, status, probe)
}

func respondWithResult(w http.ResponseWriter, result *entities.PipelineResult) {
	if result == nil {
		respondWithError(w, http.StatusInternalServerError, "pipeline produced no result")
		return
	}
	status := http.StatusOK
	if !result.Success && result.Error != nil {
		status = statusForCode(result.Error.Code)
	}
	respondWithJSON(w, status, result)
}
