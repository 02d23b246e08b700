package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/schema"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.OpenAIConfig{
		APIKey:         "test-key",
		Model:          "gpt-test",
		BaseURL:        server.URL,
		RateLimitRPM:   -1,
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(&config.OpenAIConfig{})
	assert.Error(t, err)
}

func TestInvoke_StructuredOutput(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-test-2026",
			"status": "completed",
			"output": [{"type": "message", "content": [{"type": "output_text", "text": "{\"risk_level\":\"low\"}"}]}],
			"usage": {"input_tokens": 120, "output_tokens": 30, "total_tokens": 150}
		}`))
	})

	resp, err := client.Invoke(context.Background(), &providers.ModelRequest{
		Prompt:      "Assess risk.",
		Temperature: 0.1,
		MaxTokens:   400,
		Schema: &schema.Schema{
			Type:     schema.TypeObject,
			Required: []string{"risk_level"},
			Fields:   map[string]*schema.Schema{"risk_level": {Type: schema.TypeString}},
		},
		SchemaName: "safety_check",
		Structured: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", captured["model"])
	assert.EqualValues(t, 400, captured["max_output_tokens"])
	format := captured["text"].(map[string]any)["format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, "safety_check", format["name"])

	assert.Equal(t, "gpt-test-2026", resp.Model)
	assert.Equal(t, "completed", resp.FinishReason)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, map[string]any{"risk_level": "low"}, resp.Object)
}

func TestInvoke_PlainTextHasNoObject(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed","output":[{"content":[{"type":"output_text","text":"{\"a\":1}"}]}]}`))
	})

	resp, err := client.Invoke(context.Background(), &providers.ModelRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Nil(t, resp.Object)
	assert.Equal(t, "gpt-test", resp.Model)
}

func TestInvoke_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, providers.ErrModelRateLimited},
		{"server error", http.StatusBadGateway, ``, providers.ErrModelConnection},
		{"gateway timeout", http.StatusGatewayTimeout, ``, providers.ErrModelTimeout},
		{"empty output", http.StatusOK, `{"status":"incomplete","output":[]}`, providers.ErrModelInvalidResponse},
		{"malformed body", http.StatusOK, `not json`, providers.ErrModelInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Invoke(context.Background(), &providers.ModelRequest{Prompt: "x"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestInvoke_UnauthorizedIsNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Invoke(context.Background(), &providers.ModelRequest{Prompt: "x"})
	require.Error(t, err)
	for _, sentinel := range []error{
		providers.ErrModelTimeout,
		providers.ErrModelRateLimited,
		providers.ErrModelConnection,
		providers.ErrModelInvalidResponse,
	} {
		assert.False(t, errors.Is(err, sentinel))
	}
}

func TestInvoke_DeadlineIsTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, &providers.ModelRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, providers.ErrModelTimeout), "got %v", err)
}

func TestInvoke_CancelledContextPassesThrough(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Invoke(ctx, &providers.ModelRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	assert.NoError(t, client.Ping(context.Background()))
}

func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	bucket := newTokenBucketWithRate(1, 1)
	defer bucket.Stop()

	require.NoError(t, bucket.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bucket.Wait(ctx), context.DeadlineExceeded)
}
