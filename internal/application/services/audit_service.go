package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/repositories"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
	"github.com/zatekoja/clinical-insights/backend/pkg/utils"
)

const topErrorLimit = 10

// AuditServiceConfig configures an AuditService.
type AuditServiceConfig struct {
	Enabled             bool
	MaxPayloadBytes     int
	LogResponses        bool
	CostPer1KPrompt     float64
	CostPer1KCompletion float64
	Workers             int
	QueueSize           int
	WriteTimeout        time.Duration
}

// AuditHealth reports the audit store and writer state.
type AuditHealth struct {
	Healthy    bool   `json:"healthy"`
	LatencyMs  int64  `json:"latency_ms"`
	QueueDepth int    `json:"queue_depth"`
	Dropped    int64  `json:"dropped"`
	Failures   int64  `json:"failures"`
	Error      string `json:"error,omitempty"`
}

type auditOp struct {
	create      *entities.AuditEntry
	executionID string
	update      *entities.AuditUpdate
	barrier     chan struct{}
}

// AuditService records pipeline executions without blocking them. Writes for
// one execution id always land on the same worker, so a record's create is
// persisted before its update.
type AuditService struct {
	repo repositories.AuditRepository
	cfg  AuditServiceConfig
	now  func() time.Time

	queues []chan auditOp
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	dropped  atomic.Int64
	failures atomic.Int64
}

// NewAuditService creates a new audit service and starts its writers
func NewAuditService(repo repositories.AuditRepository, cfg AuditServiceConfig) *AuditService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &AuditService{
		repo:   repo,
		cfg:    cfg,
		now:    time.Now,
		queues: make([]chan auditOp, cfg.Workers),
	}
	for i := range s.queues {
		s.queues[i] = make(chan auditOp, cfg.QueueSize)
		s.wg.Add(1)
		go s.worker(s.queues[i])
	}
	return s
}

// LogExecution queues a full record for persistence. It never fails; write
// errors are logged.
func (s *AuditService) LogExecution(ctx context.Context, entry *entities.AuditEntry) {
	if !s.cfg.Enabled || entry == nil {
		return
	}

	record := *entry
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	record.UpdatedAt = record.Timestamp
	if record.Status == "" {
		record.Status = entities.AuditStatusPending
	}
	record.Request = s.sanitizeRequest(record.Request)
	record.Response = s.sanitizeResponse(record.Response)
	record.Performance = s.withCost(record.Performance)

	s.enqueue(ctx, auditOp{executionID: record.ExecutionID, create: &record})
}

// UpdateExecution queues a patch for an existing record.
func (s *AuditService) UpdateExecution(ctx context.Context, executionID string, update *entities.AuditUpdate) {
	if !s.cfg.Enabled || update == nil {
		return
	}

	patch := *update
	patch.Response = s.sanitizeResponse(patch.Response)
	patch.Performance = s.withCost(patch.Performance)

	s.enqueue(ctx, auditOp{executionID: executionID, update: &patch})
}

func (s *AuditService) enqueue(ctx context.Context, op auditOp) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		log.Warn().Str("execution_id", op.executionID).Msg("audit service closed, dropping record")
		return
	}

	select {
	case s.shard(op.executionID) <- op:
	default:
		s.dropped.Add(1)
		observability.LoggerFromContext(ctx).Warn().Str("execution_id", op.executionID).Msg("audit queue full, dropping record")
	}
}

func (s *AuditService) shard(executionID string) chan auditOp {
	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))
	return s.queues[h.Sum32()%uint32(len(s.queues))]
}

func (s *AuditService) worker(queue chan auditOp) {
	defer s.wg.Done()

	for op := range queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		var err error
		if op.create != nil {
			err = s.repo.Create(ctx, op.create)
		} else {
			err = s.repo.Update(ctx, op.executionID, op.update)
		}
		cancel()

		if err != nil {
			s.failures.Add(1)
			log.Error().Err(err).Str("execution_id", op.executionID).Msg("failed to persist audit record")
		}
	}
}

// Flush waits until every write queued before the call has been attempted.
func (s *AuditService) Flush(ctx context.Context) error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil
	}
	barriers := make([]chan struct{}, len(s.queues))
	for i, q := range s.queues {
		barriers[i] = make(chan struct{})
		select {
		case q <- auditOp{barrier: barriers[i]}:
		case <-ctx.Done():
			s.closeMu.RUnlock()
			return ctx.Err()
		}
	}
	s.closeMu.RUnlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains the queues and stops the writers.
func (s *AuditService) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetExecutions returns a filtered page of records.
func (s *AuditService) GetExecutions(ctx context.Context, filter entities.AuditFilter) (*entities.AuditQueryResult, error) {
	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query audit log", err)
	}
	if entries == nil {
		entries = []*entities.AuditEntry{}
	}
	return &entities.AuditQueryResult{
		Entries: entries,
		Total:   total,
		HasMore: filter.Offset+len(entries) < total,
	}, nil
}

// GetMetrics aggregates every record in [start, end], optionally for one
// organization.
func (s *AuditService) GetMetrics(ctx context.Context, start, end time.Time, organizationID string) (*entities.AuditMetrics, error) {
	filter := entities.AuditFilter{OrganizationID: organizationID}
	if !start.IsZero() {
		filter.StartDate = &start
	}
	if !end.IsZero() {
		filter.EndDate = &end
	}

	entries, _, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load audit records for metrics", err)
	}
	return ComputeAuditMetrics(entries), nil
}

// ComputeAuditMetrics aggregates entries. Percentiles use the sorted
// durations at index ceil(n*p)-1, clamped to the slice.
func ComputeAuditMetrics(entries []*entities.AuditEntry) *entities.AuditMetrics {
	m := &entities.AuditMetrics{
		TotalExecutions: len(entries),
		ByPipeline:      make(map[entities.PipelineType]*entities.PipelineAuditMetrics),
		TopErrors:       []entities.ErrorFrequency{},
	}
	if len(entries) == 0 {
		return m
	}

	type pipelineAcc struct {
		count, successes, tokens int
		durationMs             int64
	}
	acc := make(map[entities.PipelineType]*pipelineAcc)
	errorCounts := make(map[string]int)
	durations := make([]int64, 0, len(entries))
	var totalDuration int64

	for _, e := range entries {
		pa, ok := acc[e.PipelineType]
		if !ok {
			pa = &pipelineAcc{}
			acc[e.PipelineType] = pa
		}
		pa.count++

		if e.Succeeded() {
			m.SuccessCount++
			pa.successes++
		} else if e.Response != nil {
			m.FailureCount++
			if e.Response.ErrorCode != "" {
				errorCounts[e.Response.ErrorCode]++
			}
		}
		if e.CacheHit() {
			m.CacheHitCount++
		}
		if e.Performance != nil {
			durations = append(durations, e.Performance.TotalMs)
			totalDuration += e.Performance.TotalMs
			pa.durationMs += e.Performance.TotalMs
			m.TotalTokens += e.Performance.TotalTokens
			pa.tokens += e.Performance.TotalTokens
			m.EstimatedTotalCost += e.Performance.EstimatedCost
		}
	}

	m.CacheHitRate = float64(m.CacheHitCount) / float64(m.TotalExecutions)
	m.AvgTokens = float64(m.TotalTokens) / float64(m.TotalExecutions)
	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		m.AvgDurationMs = float64(totalDuration) / float64(len(durations))
		m.P50DurationMs = percentile(durations, 0.50)
		m.P95DurationMs = percentile(durations, 0.95)
		m.P99DurationMs = percentile(durations, 0.99)
	}

	for pt, pa := range acc {
		m.ByPipeline[pt] = &entities.PipelineAuditMetrics{
			Count:         pa.count,
			AvgDurationMs: float64(pa.durationMs) / float64(pa.count),
			SuccessRate:   float64(pa.successes) / float64(pa.count),
			AvgTokens:     float64(pa.tokens) / float64(pa.count),
		}
	}

	for code, count := range errorCounts {
		m.TopErrors = append(m.TopErrors, entities.ErrorFrequency{Code: code, Count: count})
	}
	sort.Slice(m.TopErrors, func(i, j int) bool {
		if m.TopErrors[i].Count != m.TopErrors[j].Count {
			return m.TopErrors[i].Count > m.TopErrors[j].Count
		}
		return m.TopErrors[i].Code < m.TopErrors[j].Code
	})
	if len(m.TopErrors) > topErrorLimit {
		m.TopErrors = m.TopErrors[:topErrorLimit]
	}
	return m
}

func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Cleanup deletes records older than retentionDays and returns the count removed.
func (s *AuditService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, apperrors.NewValidationError("retention days must be positive")
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	n, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to delete expired audit records", err)
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("audit retention cleanup completed")
	return n, nil
}

// StartRetention runs Cleanup every interval until ctx is done.
func (s *AuditService) StartRetention(ctx context.Context, retentionDays int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(ctx, retentionDays); err != nil {
					log.Error().Err(err).Msg("audit retention cleanup failed")
				}
			}
		}
	}()
}

// HealthCheck probes the store and reports writer state.
func (s *AuditService) HealthCheck(ctx context.Context) AuditHealth {
	start := s.now()
	err := s.repo.Ping(ctx)

	depth := 0
	for _, q := range s.queues {
		depth += len(q)
	}

	h := AuditHealth{
		Healthy:    err == nil,
		LatencyMs:  time.Since(start).Milliseconds(),
		QueueDepth: depth,
		Dropped:    s.dropped.Load(),
		Failures:   s.failures.Load(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// EstimateCost prices token usage with the configured per-1K rates.
func (s *AuditService) EstimateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*s.cfg.CostPer1KPrompt +
		float64(completionTokens)/1000*s.cfg.CostPer1KCompletion
}

func (s *AuditService) withCost(perf *entities.AuditPerformance) *entities.AuditPerformance {
	if perf == nil {
		return nil
	}
	p := *perf
	p.EstimatedCost = s.EstimateCost(p.PromptTokens, p.CompletionTokens)
	return &p
}

// sanitizeRequest replaces oversized variables with a truncated preview.
func (s *AuditService) sanitizeRequest(req entities.AuditRequest) entities.AuditRequest {
	if s.cfg.MaxPayloadBytes <= 0 || len(req.Variables) == 0 {
		return req
	}
	data, err := json.Marshal(req.Variables)
	if err != nil {
		req.Variables = map[string]any{"_unencodable": err.Error()}
		req.Truncated = true
		return req
	}
	if len(data) <= s.cfg.MaxPayloadBytes {
		return req
	}
	req.Variables = map[string]any{
		"_truncated":     utils.TruncateString(string(data), s.cfg.MaxPayloadBytes),
		"_original_size": len(data),
	}
	req.Truncated = true
	return req
}

// sanitizeResponse drops response bodies when they are not to be retained,
// keeping only the top-level field names.
func (s *AuditService) sanitizeResponse(resp *entities.AuditResponse) *entities.AuditResponse {
	if resp == nil || s.cfg.LogResponses || resp.Data == nil {
		return resp
	}
	r := *resp
	if obj, ok := resp.Data.(map[string]any); ok {
		fields := make([]string, 0, len(obj))
		for k := range obj {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		r.Data = map[string]any{"fields": fields}
	} else {
		r.Data = nil
	}
	r.Summarized = true
	return &r
}
