package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/schema"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
	"github.com/zatekoja/clinical-insights/backend/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// PipelineExecutorDeps are the collaborators of a PipelineExecutor. Audit and
// Metrics are optional.
type PipelineExecutorDeps struct {
	Registry   *PromptRegistry
	Cache      ResultCache
	Audit      *AuditService
	Context    providers.ContextAggregator
	Model      providers.ModelInvoker
	Settings   map[entities.PipelineType]PipelineSettings
	Strategies map[apperrors.ErrorCode]apperrors.RecoveryStrategy
	KeyPrefix  string
	// BatchConcurrency limits AnalyzeBatch fan-out; zero means unlimited.
	BatchConcurrency int
	Metrics          *observability.PipelineMetrics
}

// ExecutorOption customizes a PipelineExecutor.
type ExecutorOption func(*PipelineExecutor)

// WithExecutorSleep replaces the backoff wait, mainly for tests.
func WithExecutorSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *PipelineExecutor) {
		e.sleep = sleep
	}
}

// WithExecutorClock replaces the wall clock.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *PipelineExecutor) {
		e.now = now
	}
}

// PipelineExecutor runs one pipeline through cache check, context
// aggregation, prompt compilation, model execution, output validation, cache
// store and audit. Failures are normalized and recovered per the strategy
// table; Analyze never returns a Go error.
type PipelineExecutor struct {
	registry   *PromptRegistry
	cache      ResultCache
	audit      *AuditService
	context    providers.ContextAggregator
	model      providers.ModelInvoker
	settings   map[entities.PipelineType]PipelineSettings
	strategies map[apperrors.ErrorCode]apperrors.RecoveryStrategy
	keyPrefix  string
	batchLimit int
	metrics    *observability.PipelineMetrics

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewPipelineExecutor creates a new pipeline executor
func NewPipelineExecutor(deps PipelineExecutorDeps, opts ...ExecutorOption) (*PipelineExecutor, error) {
	switch {
	case deps.Registry == nil:
		return nil, apperrors.NewValidationError("pipeline executor requires a prompt registry")
	case deps.Cache == nil:
		return nil, apperrors.NewValidationError("pipeline executor requires a cache")
	case deps.Context == nil:
		return nil, apperrors.NewValidationError("pipeline executor requires a context aggregator")
	case deps.Model == nil:
		return nil, apperrors.NewValidationError("pipeline executor requires a model invoker")
	}

	settings := deps.Settings
	if settings == nil {
		settings = DefaultPipelineSettings()
	}
	strategies := deps.Strategies
	if strategies == nil {
		strategies = apperrors.DefaultRecoveryStrategies()
	}
	prefix := deps.KeyPrefix
	if prefix == "" {
		prefix = DefaultCacheKeyPrefix
	}

	e := &PipelineExecutor{
		registry:   deps.Registry,
		cache:      deps.Cache,
		audit:      deps.Audit,
		context:    deps.Context,
		model:      deps.Model,
		settings:   settings,
		strategies: strategies,
		keyPrefix:  prefix,
		batchLimit: deps.BatchConcurrency,
		metrics:    deps.Metrics,
		sleep:      retry.Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Settings returns the effective settings for a pipeline type.
func (e *PipelineExecutor) Settings(pipelineType entities.PipelineType) (PipelineSettings, bool) {
	s, ok := e.settings[pipelineType]
	return s, ok
}

// KeyPrefix returns the cache key namespace.
func (e *PipelineExecutor) KeyPrefix() string {
	return e.keyPrefix
}

// AllSettings returns a copy of the settings table.
func (e *PipelineExecutor) AllSettings() map[entities.PipelineType]PipelineSettings {
	out := make(map[entities.PipelineType]PipelineSettings, len(e.settings))
	for k, v := range e.settings {
		out[k] = v
	}
	return out
}

// attemptOutcome is the result of one pass through the state machine.
type attemptOutcome struct {
	data     map[string]any
	meta     entities.ExecutionMetadata
	err      *apperrors.ServiceError
	fallback bool
}

// Analyze executes one pipeline. Retryable failures re-enter the state
// machine from the cache check until the strategy limit, the pipeline's retry
// budget or opts.MaxRetries is exhausted.
func (e *PipelineExecutor) Analyze(ctx context.Context, pipelineType entities.PipelineType, opts entities.AnalysisOptions) *entities.PipelineResult {
	start := e.now()

	ctx, span := observability.StartSpan(ctx, "pipeline.analyze")
	defer span.End()
	observability.SetSpanAttributes(span,
		attribute.String("ai.pipeline", string(pipelineType)),
		attribute.String("ai.patient_id", opts.PatientID),
		attribute.Bool("ai.skip_cache", opts.SkipCache),
	)

	settings, ok := e.settings[pipelineType]
	if !ok {
		svcErr := apperrors.NewServiceError(apperrors.CodeConfigError,
			fmt.Sprintf("unknown pipeline type %q", pipelineType), nil).WithPipeline(string(pipelineType))
		return e.finish(ctx, span, start, attemptOutcome{err: svcErr, meta: entities.ExecutionMetadata{PipelineType: pipelineType, Attempts: 1}})
	}
	if opts.PatientID == "" {
		svcErr := apperrors.NewServiceError(apperrors.CodeConfigError, "patient id is required", nil).
			WithPipeline(string(pipelineType))
		return e.finish(ctx, span, start, attemptOutcome{err: svcErr, meta: entities.ExecutionMetadata{PipelineType: pipelineType, Attempts: 1}})
	}

	budget := settings.RetryAttempts
	if opts.MaxRetries != nil && *opts.MaxRetries < budget {
		budget = *opts.MaxRetries
	}

	var (
		out      attemptOutcome
		attempts int
		retries  int
		truncate bool
	)
	for {
		attempts++
		out = e.attempt(ctx, pipelineType, settings, opts, truncate, attempts)
		out.meta.Attempts = attempts
		if out.err == nil || out.err.Code == apperrors.CodeCancelled {
			break
		}

		strategy := apperrors.StrategyFor(e.strategies, out.err.Code)
		if out.err.Code == apperrors.CodePromptTooLarge && strategy.Action == apperrors.RecoveryFallback && !truncate {
			truncate = true
			continue
		}

		limit := strategy.MaxAttempts
		if budget < limit {
			limit = budget
		}
		if !strategy.Retryable() || retries >= limit {
			break
		}

		retries++
		delay := retry.Backoff(strategy.Backoff, strategy.BaseDelay, retries, strategy.MaxDelay)
		e.metrics.RecordRetry(ctx, string(pipelineType), string(out.err.Code))
		observability.LoggerFromContext(ctx).Warn().
			Str("pipeline", string(pipelineType)).
			Str("code", string(out.err.Code)).
			Int("retry", retries).
			Dur("delay", delay).
			Msg("retrying pipeline execution")

		if err := e.sleep(ctx, delay); err != nil {
			out.err = classifyError(stageUnspecified, pipelineType, err)
			break
		}
	}

	return e.finish(ctx, span, start, out)
}

func (e *PipelineExecutor) finish(ctx context.Context, span trace.Span, start time.Time, out attemptOutcome) *entities.PipelineResult {
	elapsed := e.now().Sub(start)
	meta := out.meta
	if meta.Timestamp.IsZero() {
		meta.Timestamp = e.now().UTC()
	}
	meta.FallbackUsed = out.fallback

	res := &entities.PipelineResult{
		ExecutionTime: elapsed,
		Timestamp:     e.now().UTC(),
		Metadata:      &meta,
	}

	outcome := "success"
	switch {
	case out.err == nil:
		res.Success = true
		res.Data = out.data
	case out.err.Code == apperrors.CodeCancelled:
		res.Cancelled = true
		res.Error = out.err
		outcome = "cancelled"
	default:
		res.Error = out.err
		outcome = "error"
	}

	span.SetAttributes(
		attribute.String("ai.outcome", outcome),
		attribute.Bool("ai.cache_hit", meta.CacheHit),
		attribute.Int("ai.attempts", meta.Attempts),
		attribute.String("ai.prompt_version", meta.PromptVersion),
	)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, string(res.Error.Code))
	}
	e.metrics.RecordExecution(ctx, string(meta.PipelineType), outcome, meta.CacheHit, elapsed, meta.TokenUsage.TotalTokens)
	return res
}

// attempt runs the state machine once.
func (e *PipelineExecutor) attempt(ctx context.Context, pipelineType entities.PipelineType, settings PipelineSettings, opts entities.AnalysisOptions, truncate bool, attemptNo int) attemptOutcome {
	attemptStart := e.now()
	meta := entities.ExecutionMetadata{
		ExecutionID:  uuid.NewString(),
		PipelineType: pipelineType,
		PromptID:     settings.PromptID,
		Timestamp:    attemptStart.UTC(),
	}
	entry := &entities.AuditEntry{
		ExecutionID:    meta.ExecutionID,
		PipelineType:   pipelineType,
		PatientID:      opts.PatientID,
		SessionID:      opts.SessionID,
		OrganizationID: opts.OrganizationID,
		UserID:         opts.UserID,
		Request: entities.AuditRequest{
			TemplateID: settings.PromptID,
			Variables:  opts.Variables,
		},
		Timestamp: attemptStart.UTC(),
	}
	started := false

	fail := func(stage executionStage, err error) attemptOutcome {
		// A stage may surface cancellation as its own error, e.g. a driver's
		// "canceling statement" message.
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		svcErr := classifyError(stage, pipelineType, err)
		meta.Latency.TotalMs = e.now().Sub(attemptStart).Milliseconds()
		e.auditFailure(ctx, entry, started, svcErr, meta, attemptNo)
		return attemptOutcome{meta: meta, err: svcErr}
	}

	// Cache check
	if err := ctx.Err(); err != nil {
		return fail(stageUnspecified, err)
	}
	tmpl, err := e.registry.Get(settings.PromptID, GetOptions{Version: opts.PromptVersion})
	if err != nil {
		return fail(stagePrompt, err)
	}
	meta.PromptVersion = tmpl.Version
	entry.Request.TemplateVersion = tmpl.Version

	key, keyErr := GenerateCacheKey(e.keyPrefix, CacheKeyParams{
		PipelineType:  pipelineType,
		PatientID:     opts.PatientID,
		PromptVersion: tmpl.Version,
		SessionID:     opts.SessionID,
		Variables:     opts.Variables,
	})
	if keyErr != nil {
		observability.LoggerFromContext(ctx).Warn().Err(keyErr).Str("pipeline", string(pipelineType)).Msg("cache key unavailable, bypassing cache")
	}

	if !opts.SkipCache && keyErr == nil {
		if data, ok := e.lookup(ctx, key, pipelineType); ok {
			meta.CacheHit = true
			meta.Latency.TotalMs = e.now().Sub(attemptStart).Milliseconds()
			entry.Status = entities.AuditStatusCompleted
			entry.Response = &entities.AuditResponse{Success: true, Data: data}
			entry.Performance = &entities.AuditPerformance{TotalMs: meta.Latency.TotalMs, CacheHit: true}
			entry.Metadata = map[string]any{"attempt": attemptNo, "cache_key": key}
			e.logAudit(ctx, entry)
			return attemptOutcome{data: data, meta: meta}
		}
	}

	entry.Status = entities.AuditStatusPending
	e.logAudit(ctx, entry)
	started = true

	// Context aggregation
	if err := ctx.Err(); err != nil {
		return fail(stageContext, err)
	}
	stageStart := e.now()
	clinical, err := e.context.Aggregate(ctx, opts.PatientID, opts.SessionID, pipelineType)
	meta.Latency.ContextMs = e.now().Sub(stageStart).Milliseconds()
	if err != nil {
		return fail(stageContext, err)
	}
	vars := mergeVariables(clinical.Variables, opts.Variables)

	// Prompt compilation
	stageStart = e.now()
	compiled, err := CompilePrompt(tmpl, vars, CompileOptions{Truncate: truncate})
	meta.Latency.PromptMs = e.now().Sub(stageStart).Milliseconds()
	if err != nil {
		return fail(stageCompile, err)
	}

	// Model execution
	if err := ctx.Err(); err != nil {
		return fail(stageModel, err)
	}
	modelCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		modelCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}
	stageStart = e.now()
	resp, err := e.model.Invoke(modelCtx, &providers.ModelRequest{
		Prompt:      compiled.Text,
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Schema:      tmpl.OutputSchema,
		SchemaName:  string(pipelineType),
		Structured:  settings.StructuredOutput && tmpl.OutputSchema != nil,
	})
	meta.Latency.ModelMs = e.now().Sub(stageStart).Milliseconds()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(stageModel, ctxErr)
		}
		return fail(stageModel, err)
	}
	meta.ModelUsed = resp.Model
	meta.TokenUsage = resp.Usage

	// Output validation
	stageStart = e.now()
	data, fallbackUsed, err := e.validate(pipelineType, tmpl.OutputSchema, settings, resp)
	meta.Latency.ValidationMs = e.now().Sub(stageStart).Milliseconds()
	if err != nil {
		return fail(stageValidation, err)
	}

	// Cache store
	if keyErr == nil && !fallbackUsed {
		if err := ctx.Err(); err == nil {
			setErr := e.cache.Set(ctx, key, data, CacheSetOptions{
				PipelineType:  pipelineType,
				PromptVersion: tmpl.Version,
				PatientID:     opts.PatientID,
				SessionID:     opts.SessionID,
				TTL:           settings.CacheTTL,
			})
			if setErr != nil {
				observability.LoggerFromContext(ctx).Warn().Err(setErr).Str("pipeline", string(pipelineType)).Msg("cache store failed, continuing")
			}
		}
	}

	meta.Latency.TotalMs = e.now().Sub(attemptStart).Milliseconds()
	e.updateAudit(ctx, meta.ExecutionID, &entities.AuditUpdate{
		Status:      entities.AuditStatusCompleted,
		Response:    &entities.AuditResponse{Success: true, Data: data},
		Performance: performanceOf(meta),
		Metadata: map[string]any{
			"attempt":       attemptNo,
			"model":         resp.Model,
			"finish_reason": resp.FinishReason,
			"fallback_used": fallbackUsed,
			"truncated":     compiled.Truncated,
		},
	})

	return attemptOutcome{data: data, meta: meta, fallback: fallbackUsed}
}

// lookup returns a cached result. Undecodable entries are dropped and
// reported as a miss.
func (e *PipelineExecutor) lookup(ctx context.Context, key string, pipelineType entities.PipelineType) (map[string]any, bool) {
	item, ok := e.cache.Get(ctx, key)
	e.metrics.RecordCache(ctx, string(pipelineType), ok)
	if !ok {
		return nil, false
	}
	data, err := entities.DecodeCachedValue[map[string]any](item)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		e.cache.Delete(ctx, key)
		return nil, false
	}
	return data, true
}

func (e *PipelineExecutor) validate(pipelineType entities.PipelineType, s *schema.Schema, settings PipelineSettings, resp *providers.ModelResponse) (map[string]any, bool, error) {
	if s == nil {
		s = &schema.Schema{Type: schema.TypeObject}
	}
	parser := NewOutputParser(pipelineType, s, ParserOptions{
		PartialExtraction: settings.PartialExtraction,
		Fallback:          settings.Fallback,
	})
	if resp.Object == nil {
		return parser.Parse(resp.Text)
	}
	res := parser.ValidateObject(resp.Object)
	if res.Err != nil {
		return nil, false, res.Err
	}
	return res.Data, res.FallbackUsed, nil
}

func (e *PipelineExecutor) auditFailure(ctx context.Context, entry *entities.AuditEntry, started bool, svcErr *apperrors.ServiceError, meta entities.ExecutionMetadata, attemptNo int) {
	status := entities.AuditStatusFailed
	if svcErr.Code == apperrors.CodeCancelled {
		status = entities.AuditStatusCancelled
	}
	resp := &entities.AuditResponse{
		Success:      false,
		ErrorCode:    string(svcErr.Code),
		ErrorMessage: svcErr.Error(),
	}
	if len(svcErr.PartialData) > 0 {
		resp.Data = svcErr.PartialData
	}
	metadata := map[string]any{"attempt": attemptNo}

	if !started {
		entry.Status = status
		entry.Response = resp
		entry.Performance = performanceOf(meta)
		entry.Metadata = metadata
		e.logAudit(ctx, entry)
		return
	}
	e.updateAudit(ctx, entry.ExecutionID, &entities.AuditUpdate{
		Status:      status,
		Response:    resp,
		Performance: performanceOf(meta),
		Metadata:    metadata,
	})
}

// Audit writes are queued, so they are issued even after cancellation to
// record the terminal state.
func (e *PipelineExecutor) logAudit(ctx context.Context, entry *entities.AuditEntry) {
	if e.audit == nil {
		return
	}
	e.audit.LogExecution(context.WithoutCancel(ctx), entry)
}

func (e *PipelineExecutor) updateAudit(ctx context.Context, executionID string, update *entities.AuditUpdate) {
	if e.audit == nil {
		return
	}
	e.audit.UpdateExecution(context.WithoutCancel(ctx), executionID, update)
}

func performanceOf(meta entities.ExecutionMetadata) *entities.AuditPerformance {
	return &entities.AuditPerformance{
		ContextMs:        meta.Latency.ContextMs,
		PromptMs:         meta.Latency.PromptMs,
		ModelMs:          meta.Latency.ModelMs,
		ValidationMs:     meta.Latency.ValidationMs,
		TotalMs:          meta.Latency.TotalMs,
		CacheHit:         meta.CacheHit,
		PromptTokens:     meta.TokenUsage.PromptTokens,
		CompletionTokens: meta.TokenUsage.CompletionTokens,
		TotalTokens:      meta.TokenUsage.TotalTokens,
	}
}

// mergeVariables overlays caller variables on aggregated context.
func mergeVariables(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// AnalyzeBatch runs every request concurrently and returns results keyed by
// request id. A panic in one request becomes that request's UNKNOWN failure.
func (e *PipelineExecutor) AnalyzeBatch(ctx context.Context, requests []entities.AnalysisRequest) map[string]*entities.PipelineResult {
	results := make(map[string]*entities.PipelineResult, len(requests))
	var mu sync.Mutex

	g := &errgroup.Group{}
	if e.batchLimit > 0 {
		g.SetLimit(e.batchLimit)
	}

	for i, req := range requests {
		id := req.ID
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}
		g.Go(func() error {
			res := e.safeAnalyze(ctx, req.PipelineType, req.Options)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *PipelineExecutor) safeAnalyze(ctx context.Context, pipelineType entities.PipelineType, opts entities.AnalysisOptions) (res *entities.PipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerFromContext(ctx).Error().
				Str("pipeline", string(pipelineType)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("pipeline execution panicked")
			res = &entities.PipelineResult{
				Error: apperrors.NewServiceError(apperrors.CodeUnknown, fmt.Sprintf("pipeline panicked: %v", r), nil).
					WithPipeline(string(pipelineType)),
				Timestamp: e.now().UTC(),
				Metadata:  &entities.ExecutionMetadata{PipelineType: pipelineType, Timestamp: e.now().UTC()},
			}
		}
	}()
	return e.Analyze(ctx, pipelineType, opts)
}

// ComponentHealth is the state of one executor dependency.
type ComponentHealth struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ExecutorHealth aggregates dependency health. Healthy iff every component is.
type ExecutorHealth struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// HealthCheck probes cache, audit store, context source and model endpoint
// concurrently.
func (e *PipelineExecutor) HealthCheck(ctx context.Context) ExecutorHealth {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	checks := map[string]func(context.Context) error{
		"cache":   e.cache.Ping,
		"context": e.context.Ping,
		"model":   e.model.Ping,
	}
	if e.audit != nil {
		checks["audit"] = func(ctx context.Context) error {
			h := e.audit.HealthCheck(ctx)
			if !h.Healthy {
				return errors.New(h.Error)
			}
			return nil
		}
	}

	health := ExecutorHealth{
		Healthy:    true,
		Components: make(map[string]ComponentHealth, len(checks)),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check func(context.Context) error) {
			defer wg.Done()
			start := time.Now()
			err := check(ctx)
			c := ComponentHealth{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				c.Error = err.Error()
			}
			mu.Lock()
			health.Components[name] = c
			if err != nil {
				health.Healthy = false
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	health.CheckedAt = e.now().UTC()
	return health
}

// PipelineProbe reports whether a pipeline type can currently run.
type PipelineProbe struct {
	PipelineType  entities.PipelineType `json:"pipeline_type"`
	Enabled       bool                  `json:"enabled"`
	Healthy       bool                  `json:"healthy"`
	PromptVersion string                `json:"prompt_version,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// ProbePipeline checks that a pipeline is configured and its prompt resolves,
// without calling the model.
func (e *PipelineExecutor) ProbePipeline(ctx context.Context, pipelineType entities.PipelineType) PipelineProbe {
	probe := PipelineProbe{PipelineType: pipelineType}
	settings, ok := e.settings[pipelineType]
	if !ok {
		probe.Error = "pipeline not configured"
		return probe
	}
	probe.Enabled = settings.Enabled

	tmpl, err := e.registry.Get(settings.PromptID, GetOptions{})
	if err != nil {
		probe.Error = err.Error()
		return probe
	}
	probe.PromptVersion = tmpl.Version
	if err := ctx.Err(); err != nil {
		probe.Error = err.Error()
		return probe
	}
	probe.Healthy = settings.Enabled
	if !settings.Enabled {
		probe.Error = "pipeline disabled"
	}
	return probe
}

// CacheStats returns the result cache statistics.
func (e *PipelineExecutor) CacheStats() entities.CacheStats {
	return e.cache.Stats()
}

// InvalidateCache removes cached results matching any of patterns. No pattern,
// or an empty one, clears every pipeline result.
func (e *PipelineExecutor) InvalidateCache(ctx context.Context, patterns ...string) int {
	all := GenerateCachePatterns(e.keyPrefix, CachePatternParams{})[0]
	if len(patterns) == 0 {
		patterns = []string{all}
	}
	removed := 0
	for _, pattern := range patterns {
		if pattern == "" {
			pattern = all
		}
		removed += e.cache.Clear(ctx, pattern)
	}
	return removed
}

// InvalidatePatient removes every cached result for one patient.
func (e *PipelineExecutor) InvalidatePatient(ctx context.Context, patientID string) int {
	if patientID == "" {
		return 0
	}
	return e.InvalidateCache(ctx, GenerateCachePatterns(e.keyPrefix, CachePatternParams{PatientID: patientID})...)
}
