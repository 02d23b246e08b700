package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	errorBodyLimit = 2048
)

// Client implements providers.ModelInvoker over the OpenAI Responses API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *tokenBucket
}

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.OpenAIConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}, nil
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Type    string            `json:"type"`
	Content []responseContent `json:"content"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseEnvelope struct {
	Model             string           `json:"model"`
	Status            string           `json:"status"`
	Output            []responseOutput `json:"output"`
	Usage             *responseUsage   `json:"usage"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

// Invoke sends one completion request. Failures are wrapped with the
// providers.ErrModel* sentinels so callers can pick a recovery strategy;
// a cancelled context is returned unwrapped.
func (c *Client) Invoke(ctx context.Context, in *providers.ModelRequest) (*providers.ModelResponse, error) {
	if in == nil || in.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	model := in.Model
	if model == "" {
		model = c.model
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			recordOpenAIMetric(ctx, model, 0, 0, err)
			return nil, classifyTransportError(ctx, err)
		}
		recordOpenAIRateLimitWait(ctx, model, time.Since(waitStart))
	}

	body, err := json.Marshal(buildPayload(model, in))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordOpenAIMetric(ctx, model, 0, time.Since(start), err)
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		statusErr := classifyStatus(resp.StatusCode, strings.TrimSpace(string(detail)))
		recordOpenAIMetric(ctx, model, resp.StatusCode, time.Since(start), statusErr)
		return nil, statusErr
	}

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		recordOpenAIMetric(ctx, model, resp.StatusCode, time.Since(start), err)
		if ctx.Err() != nil {
			return nil, classifyTransportError(ctx, err)
		}
		return nil, fmt.Errorf("%w: decode response: %v", providers.ErrModelInvalidResponse, err)
	}

	text := envelope.outputText()
	if text == "" {
		err := fmt.Errorf("%w: response has no output text (status %q)", providers.ErrModelInvalidResponse, envelope.Status)
		recordOpenAIMetric(ctx, model, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	out := &providers.ModelResponse{
		Text:         text,
		Model:        envelope.Model,
		FinishReason: envelope.finishReason(),
	}
	if out.Model == "" {
		out.Model = model
	}
	if envelope.Usage != nil {
		out.Usage = entities.TokenUsage{
			PromptTokens:     envelope.Usage.InputTokens,
			CompletionTokens: envelope.Usage.OutputTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		}
	}
	// Structured output is only trusted when the response ran to completion.
	if in.Structured && in.Schema != nil && envelope.Status != "incomplete" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			out.Object = obj
		}
	}

	recordOpenAIMetric(ctx, model, resp.StatusCode, time.Since(start), nil)
	recordOpenAITokens(ctx, model, out.Usage)
	return out, nil
}

// Ping lists models to verify the key and endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, "")
	}
	return nil
}

// Close stops the rate limiter refill.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Stop()
	}
}

func buildPayload(model string, in *providers.ModelRequest) map[string]interface{} {
	system := in.SystemPrompt
	if system == "" {
		system = clinicalSystemPrompt
	}

	payload := map[string]interface{}{
		"model": model,
		"input": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": in.Prompt},
		},
		"temperature": in.Temperature,
	}
	if in.MaxTokens > 0 {
		payload["max_output_tokens"] = in.MaxTokens
	}
	if in.Structured && in.Schema != nil {
		name := in.SchemaName
		if name == "" {
			name = "pipeline_output"
		}
		payload["text"] = map[string]interface{}{
			"format": map[string]interface{}{
				"type":   "json_schema",
				"name":   name,
				"schema": in.Schema.JSONSchema(),
				"strict": false,
			},
		}
	}
	return payload
}

func (e *responseEnvelope) outputText() string {
	var parts []string
	for _, out := range e.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" && content.Text != "" {
				parts = append(parts, content.Text)
			}
		}
	}
	return strings.Join(parts, "")
}

func (e *responseEnvelope) finishReason() string {
	if e.IncompleteDetails != nil && e.IncompleteDetails.Reason != "" {
		return e.IncompleteDetails.Reason
	}
	if e.Status == "" {
		return "completed"
	}
	return e.Status
}

func classifyStatus(status int, detail string) error {
	msg := fmt.Sprintf("openai request failed with status %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", providers.ErrModelRateLimited, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", providers.ErrModelTimeout, msg)
	case status >= 500:
		return fmt.Errorf("%w: %s", providers.ErrModelConnection, msg)
	default:
		return errors.New(msg)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", providers.ErrModelTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", providers.ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %v", providers.ErrModelConnection, err)
}

func newTokenBucket(rpm int, burst int) *tokenBucket {
	if rpm == 0 {
		rpm = 60
	}
	if rpm < 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return newTokenBucketWithRate(rpm, burst)
}

type tokenBucket struct {
	tokens chan struct{}
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newTokenBucketWithRate(rpm int, burst int) *tokenBucket {
	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}

	bucket := &tokenBucket{
		tokens: make(chan struct{}, burst),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		bucket.tokens <- struct{}{}
	}

	go func() {
		for {
			select {
			case <-bucket.done:
				return
			case <-bucket.ticker.C:
				select {
				case bucket.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()

	return bucket
}

func (b *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.tokens:
		return nil
	}
}

func (b *tokenBucket) Stop() {
	b.once.Do(func() {
		b.ticker.Stop()
		close(b.done)
	})
}

type openAIMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
	tokens          metric.Int64Counter
}

var (
	openaiMetricsOnce sync.Once
	openaiMetricsInit bool
	openaiMetrics     openAIMetrics
)

func ensureOpenAIMetrics() {
	openaiMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/zatekoja/clinical-insights/backend/openai")

		requestCount, err := meter.Int64Counter(
			"ai.openai.request.count",
			metric.WithDescription("Number of OpenAI requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.openai.request.duration",
			metric.WithDescription("OpenAI request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.openai.request.errors",
			metric.WithDescription("Number of OpenAI request errors"),
		)
		if err != nil {
			return
		}
		rateLimitWait, err := meter.Float64Histogram(
			"ai.openai.rate_limit.wait",
			metric.WithDescription("Time spent waiting for OpenAI rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		tokens, err := meter.Int64Counter(
			"ai.openai.tokens",
			metric.WithDescription("Tokens consumed by OpenAI requests"),
		)
		if err != nil {
			return
		}

		openaiMetrics = openAIMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
			rateLimitWait:   rateLimitWait,
			tokens:          tokens,
		}
		openaiMetricsInit = true
	})
}

func modelAttrs(model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	}
}

func recordOpenAIMetric(ctx context.Context, model string, statusCode int, duration time.Duration, err error) {
	ensureOpenAIMetrics()
	if !openaiMetricsInit {
		return
	}

	attrs := modelAttrs(model)
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", statusCode))
	}

	openaiMetrics.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	openaiMetrics.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		openaiMetrics.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func recordOpenAIRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	ensureOpenAIMetrics()
	if !openaiMetricsInit {
		return
	}
	openaiMetrics.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(modelAttrs(model)...))
}

func recordOpenAITokens(ctx context.Context, model string, usage entities.TokenUsage) {
	ensureOpenAIMetrics()
	if !openaiMetricsInit || usage.TotalTokens == 0 {
		return
	}
	openaiMetrics.tokens.Add(ctx, int64(usage.PromptTokens),
		metric.WithAttributes(append(modelAttrs(model), attribute.String("ai.token.kind", "prompt"))...))
	openaiMetrics.tokens.Add(ctx, int64(usage.CompletionTokens),
		metric.WithAttributes(append(modelAttrs(model), attribute.String("ai.token.kind", "completion"))...))
}

var _ providers.ModelInvoker = (*Client)(nil)
