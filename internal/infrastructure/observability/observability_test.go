package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerFromContext_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	LoggerFromContext(ctx).Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, span.SpanContext().TraceID().String())
	assert.Contains(t, out, `"span_id"`)
}

func TestLoggerFromContext_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })

	LoggerFromContext(context.Background()).Info().Msg("hello")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestOTelSeverityMapping(t *testing.T) {
	assert.Equal(t, otellog.SeverityInfo, otelSeverity(zerolog.InfoLevel))
	assert.Equal(t, otellog.SeverityWarn, otelSeverity(zerolog.WarnLevel))
	assert.Equal(t, otellog.SeverityError, otelSeverity(zerolog.ErrorLevel))
	assert.Equal(t, otellog.SeverityUndefined, otelSeverity(zerolog.NoLevel))
}

func TestOTelHook_DoesNotBreakLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(NewOTelHook("test"))
	logger.Warn().Str("k", "v").Msg("bridged")
	assert.Contains(t, buf.String(), "bridged")
}

func TestPipelineMetrics_NoopProvider(t *testing.T) {
	base, err := InitMetrics()
	require.NoError(t, err)
	m, err := InitPipelineMetrics(base)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordExecution(ctx, "safety_check", "success", false, 120*time.Millisecond, 300)
	m.RecordRetry(ctx, "safety_check", "MODEL_TIMEOUT")
	m.RecordCache(ctx, "safety_check", true)
	m.RecordCache(ctx, "safety_check", false)

	var nilMetrics *PipelineMetrics
	nilMetrics.RecordExecution(ctx, "safety_check", "error", false, time.Second, 0)
}
