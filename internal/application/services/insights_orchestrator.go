package services

import (
	"context"
	"sync"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const (
	healthHistorySize = 100
	loadingProgress   = 10
	completeProgress  = 100
)

// UpdateFunc receives streaming progress. Calls are serialized.
type UpdateFunc func(update entities.PipelineUpdate)

// InsightsOrchestrator runs every enabled pipeline for a session
// concurrently and folds the results into one state.
type InsightsOrchestrator struct {
	executor *PipelineExecutor
	now      func() time.Time

	mu     sync.Mutex
	active map[string]map[uint64]context.CancelFunc
	nextID uint64

	history *executionHistory
}

// NewInsightsOrchestrator creates a new insights orchestrator
func NewInsightsOrchestrator(executor *PipelineExecutor) *InsightsOrchestrator {
	return &InsightsOrchestrator{
		executor: executor,
		now:      time.Now,
		active:   make(map[string]map[uint64]context.CancelFunc),
		history:  newExecutionHistory(healthHistorySize),
	}
}

// CoordinateAnalysis runs the session's pipelines and waits for all of them
// to settle. Individual failures are reported in the state, never as an error.
func (o *InsightsOrchestrator) CoordinateAnalysis(ctx context.Context, ic entities.InsightsContext) (*entities.AIInsightsState, error) {
	return o.run(ctx, ic, nil)
}

// StreamAnalysis behaves like CoordinateAnalysis and reports each pipeline's
// dispatch and completion to onUpdate.
func (o *InsightsOrchestrator) StreamAnalysis(ctx context.Context, ic entities.InsightsContext, onUpdate UpdateFunc) (*entities.AIInsightsState, error) {
	return o.run(ctx, ic, onUpdate)
}

func (o *InsightsOrchestrator) run(ctx context.Context, ic entities.InsightsContext, onUpdate UpdateFunc) (*entities.AIInsightsState, error) {
	if ic.PatientID == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}
	if ic.SessionID == "" {
		return nil, apperrors.NewValidationError("session id is required")
	}
	for _, pt := range ic.PipelineTypes {
		if !pt.Valid() {
			return nil, apperrors.NewValidationError("unknown pipeline type: " + string(pt))
		}
	}

	runCtx, release := o.register(ctx, ic.SessionID)
	defer release()

	ctx, span := observability.StartSpan(runCtx, "insights.coordinate")
	defer span.End()

	selected := EnabledByPriority(o.executor.AllSettings(), ic.PipelineTypes)
	state := &entities.AIInsightsState{
		SessionID: ic.SessionID,
		PatientID: ic.PatientID,
		Pipelines: make(map[entities.PipelineType]*entities.PipelineState, len(selected)),
		StartedAt: o.now().UTC(),
	}
	for _, s := range selected {
		state.Pipelines[s.PipelineType] = &entities.PipelineState{Status: entities.PipelineStatusIdle}
	}

	logger := observability.LoggerFromContext(ctx)
	logger.Info().
		Str("session_id", ic.SessionID).
		Int("pipelines", len(selected)).
		Msg("starting insights analysis")

	var (
		stateMu sync.Mutex
		wg      sync.WaitGroup
	)
	emit := func(pt entities.PipelineType) {
		if onUpdate == nil {
			return
		}
		onUpdate(entities.PipelineUpdate{
			SessionID:       ic.SessionID,
			PipelineType:    pt,
			State:           *state.Pipelines[pt],
			OverallProgress: overallProgress(state),
			Timestamp:       o.now().UTC(),
		})
	}

	// Dispatch order follows priority; completion order does not.
	for _, s := range selected {
		pt := s.PipelineType
		stateMu.Lock()
		state.Pipelines[pt].Status = entities.PipelineStatusLoading
		state.Pipelines[pt].Progress = loadingProgress
		emit(pt)
		stateMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.executor.safeAnalyze(ctx, pt, optionsFor(ic, false))
			o.history.record(pt, res)

			stateMu.Lock()
			defer stateMu.Unlock()
			applyResult(state.Pipelines[pt], res)
			emit(pt)
		}()
	}
	wg.Wait()

	completed := o.now().UTC()
	state.CompletedAt = &completed
	state.OverallProgress = overallProgress(state)

	logger.Info().
		Str("session_id", ic.SessionID).
		Float64("overall_progress", state.OverallProgress).
		Dur("duration", completed.Sub(state.StartedAt)).
		Msg("insights analysis settled")
	return state, nil
}

// RetryPipeline re-runs one pipeline for the session, bypassing the cache.
func (o *InsightsOrchestrator) RetryPipeline(ctx context.Context, pipelineType entities.PipelineType, ic entities.InsightsContext) *entities.PipelineResult {
	runCtx, release := o.register(ctx, ic.SessionID)
	defer release()

	res := o.executor.safeAnalyze(runCtx, pipelineType, optionsFor(ic, true))
	o.history.record(pipelineType, res)
	return res
}

// CancelAnalysis cancels every in-flight execution for the session and
// returns how many runs were signalled.
func (o *InsightsOrchestrator) CancelAnalysis(sessionID string) int {
	o.mu.Lock()
	runs := o.active[sessionID]
	delete(o.active, sessionID)
	o.mu.Unlock()

	for _, cancel := range runs {
		cancel()
	}
	if len(runs) > 0 {
		observability.LoggerFromContext(context.Background()).Info().
			Str("session_id", sessionID).
			Int("runs", len(runs)).
			Msg("insights analysis cancelled")
	}
	return len(runs)
}

// ActiveSessions returns the number of sessions with work in flight.
func (o *InsightsOrchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *InsightsOrchestrator) register(ctx context.Context, sessionID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	if sessionID == "" {
		return runCtx, cancel
	}

	o.mu.Lock()
	o.nextID++
	id := o.nextID
	runs, ok := o.active[sessionID]
	if !ok {
		runs = make(map[uint64]context.CancelFunc)
		o.active[sessionID] = runs
	}
	runs[id] = cancel
	o.mu.Unlock()

	return runCtx, func() {
		o.mu.Lock()
		if runs, ok := o.active[sessionID]; ok {
			delete(runs, id)
			if len(runs) == 0 {
				delete(o.active, sessionID)
			}
		}
		o.mu.Unlock()
		cancel()
	}
}

func optionsFor(ic entities.InsightsContext, skipCache bool) entities.AnalysisOptions {
	return entities.AnalysisOptions{
		PatientID:      ic.PatientID,
		SessionID:      ic.SessionID,
		OrganizationID: ic.OrganizationID,
		UserID:         ic.UserID,
		Variables:      ic.Variables,
		SkipCache:      skipCache,
	}
}

func applyResult(ps *entities.PipelineState, res *entities.PipelineResult) {
	ps.Metadata = res.Metadata
	switch {
	case res.Success:
		ps.Status = entities.PipelineStatusSuccess
		ps.Data = res.Data
		ps.Error = nil
		ps.Progress = completeProgress
	case res.Cancelled:
		ps.Status = entities.PipelineStatusCancelled
		ps.Error = res.Error
		ps.Progress = 0
	default:
		ps.Status = entities.PipelineStatusError
		ps.Error = res.Error
		ps.Progress = 0
	}
}

func overallProgress(state *entities.AIInsightsState) float64 {
	if len(state.Pipelines) == 0 {
		return 0
	}
	total := 0
	for _, ps := range state.Pipelines {
		total += ps.Progress
	}
	return float64(total) / float64(len(state.Pipelines))
}

// OrchestratorHealth is the orchestrator's view of service health.
type OrchestratorHealth struct {
	Healthy          bool                                     `json:"healthy"`
	Executor         ExecutorHealth                           `json:"executor"`
	Pipelines        map[entities.PipelineType]PipelineProbe `json:"pipelines"`
	AvgLatencyMs     float64                                  `json:"avg_latency_ms"`
	SuccessRate      float64                                  `json:"success_rate"`
	ErrorRate        float64                                  `json:"error_rate"`
	RecentExecutions int                                      `json:"recent_executions"`
	ActiveSessions   int                                      `json:"active_sessions"`
}

// GetHealth combines dependency health, pipeline probes and the rolling
// execution statistics.
func (o *InsightsOrchestrator) GetHealth(ctx context.Context) OrchestratorHealth {
	h := OrchestratorHealth{
		Executor:       o.executor.HealthCheck(ctx),
		Pipelines:      make(map[entities.PipelineType]PipelineProbe),
		ActiveSessions: o.ActiveSessions(),
	}
	h.Healthy = h.Executor.Healthy
	for _, pt := range entities.AllPipelineTypes() {
		probe := o.executor.ProbePipeline(ctx, pt)
		h.Pipelines[pt] = probe
		if probe.Enabled && !probe.Healthy {
			h.Healthy = false
		}
	}
	h.RecentExecutions, h.AvgLatencyMs, h.SuccessRate, h.ErrorRate = o.history.stats()
	return h
}

type executionRecord struct {
	pipelineType entities.PipelineType
	success      bool
	cancelled    bool
	latency      time.Duration
}

// executionHistory is a fixed-size ring of recent executions.
type executionHistory struct {
	mu      sync.Mutex
	records []executionRecord
	next    int
	full    bool
}

func newExecutionHistory(size int) *executionHistory {
	return &executionHistory{records: make([]executionRecord, size)}
}

func (h *executionHistory) record(pt entities.PipelineType, res *entities.PipelineResult) {
	if res == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = executionRecord{
		pipelineType: pt,
		success:      res.Success,
		cancelled:    res.Cancelled,
		latency:      res.ExecutionTime,
	}
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// stats returns count, mean latency in ms, success rate and error rate.
// Rates are taken over settled runs; cancelled runs count toward neither.
func (h *executionHistory) stats() (int, float64, float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.records)
	}
	if n == 0 {
		return 0, 0, 0, 0
	}

	var total time.Duration
	successes, failures := 0, 0
	for _, r := range h.records[:n] {
		total += r.latency
		switch {
		case r.success:
			successes++
		case !r.cancelled:
			failures++
		}
	}
	avg := float64(total.Milliseconds()) / float64(n)
	settled := successes + failures
	if settled == 0 {
		return n, avg, 0, 0
	}
	return n, avg, float64(successes) / float64(settled), float64(failures) / float64(settled)
}
