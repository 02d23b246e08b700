package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "ai", cfg.Cache.KeyPrefix)
	assert.Equal(t, 1000, cfg.Cache.MaxItems)
	assert.Equal(t, int64(64*1024*1024), cfg.Cache.MaxMemoryBytes)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, 60, cfg.OpenAI.RateLimitRPM)

	require.Len(t, cfg.Pipelines, 4)
	safety, ok := cfg.Pipeline(PipelineSafetyCheck)
	require.True(t, ok)
	assert.True(t, safety.Enabled)
	assert.Equal(t, 1, safety.Priority)
	assert.Equal(t, 5*time.Minute, safety.CacheTTL)
}

func TestLoad_PipelineOverrides(t *testing.T) {
	t.Setenv("PIPELINE_BILLING_CPT_ENABLED", "false")
	t.Setenv("PIPELINE_BILLING_CPT_CACHE_TTL", "2h")
	t.Setenv("PIPELINE_BILLING_CPT_MODEL", "gpt-4o")
	t.Setenv("PIPELINE_BILLING_CPT_TEMPERATURE", "0.05")
	t.Setenv("PIPELINE_SESSION_NOTE_TIMEOUT", "90")

	cfg, err := Load()
	require.NoError(t, err)

	billing := cfg.Pipelines[PipelineBillingCPT]
	assert.False(t, billing.Enabled)
	assert.Equal(t, 2*time.Hour, billing.CacheTTL)
	assert.Equal(t, "gpt-4o", billing.Model)
	assert.InDelta(t, 0.05, billing.Temperature, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Pipelines[PipelineSessionNote].Timeout)
}

func TestLoad_InvalidBackends(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"cache backend", "CACHE_BACKEND", "memcached", "CACHE_BACKEND"},
		{"audit store", "AUDIT_STORE", "mongo", "AUDIT_STORE"},
		{"retention", "AUDIT_RETENTION_DAYS", "-1", "AUDIT_RETENTION_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION_GO", "1m30s")
	t.Setenv("TEST_DURATION_SECS", "45")
	t.Setenv("TEST_DURATION_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvAsDuration("TEST_DURATION_GO", time.Second))
	assert.Equal(t, 45*time.Second, getEnvAsDuration("TEST_DURATION_SECS", time.Second))
	assert.Equal(t, time.Second, getEnvAsDuration("TEST_DURATION_BAD", time.Second))
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_ORIGINS", " https://a.example.com, ,https://b.example.com ")
	t.Setenv("TEST_ORIGINS_EMPTY", " , ")

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvAsList("TEST_ORIGINS", nil))
	assert.Equal(t, []string{"*"}, getEnvAsList("TEST_ORIGINS_EMPTY", []string{"*"}))
	assert.Equal(t, []string{"*"}, getEnvAsList("TEST_ORIGINS_UNSET", []string{"*"}))
}
