package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics instruments pipeline executions.
type PipelineMetrics struct {
	Executions metric.Int64Counter
	Duration   metric.Float64Histogram
	Retries    metric.Int64Counter
	Tokens     metric.Int64Counter
	Cache      *Metrics
}

// InitPipelineMetrics registers the pipeline instruments. base may be nil.
func InitPipelineMetrics(base *Metrics) (*PipelineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	executions, err := meter.Int64Counter(
		"ai.pipeline.executions",
		metric.WithDescription("Number of pipeline executions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"ai.pipeline.duration",
		metric.WithDescription("Pipeline execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"ai.pipeline.retries",
		metric.WithDescription("Number of pipeline retry attempts by error code"),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter(
		"ai.pipeline.tokens",
		metric.WithDescription("Tokens consumed by pipeline executions"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		Executions: executions,
		Duration:   duration,
		Retries:    retries,
		Tokens:     tokens,
		Cache:      base,
	}, nil
}

// RecordExecution records one finished execution
func (m *PipelineMetrics) RecordExecution(ctx context.Context, pipelineType, outcome string, cacheHit bool, duration time.Duration, tokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("ai.pipeline", pipelineType),
		attribute.String("ai.outcome", outcome),
		attribute.Bool("ai.cache_hit", cacheHit),
	)
	m.Executions.Add(ctx, 1, attrs)
	m.Duration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if tokens > 0 {
		m.Tokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("ai.pipeline", pipelineType)))
	}
}

// RecordRetry records one retry attempt
func (m *PipelineMetrics) RecordRetry(ctx context.Context, pipelineType, code string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ai.pipeline", pipelineType),
		attribute.String("ai.error_code", code),
	))
}

// RecordCache records a cache lookup outcome
func (m *PipelineMetrics) RecordCache(ctx context.Context, pipelineType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		RecordCacheHit(ctx, m.Cache, pipelineType)
		return
	}
	RecordCacheMiss(ctx, m.Cache, pipelineType)
}
