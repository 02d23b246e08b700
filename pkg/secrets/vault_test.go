package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

func TestApplyVaultSecrets_KV2(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/clinical-insights", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Vault-Token"))
		_, _ = w.Write([]byte(`{"data":{"data":{"VAULT_TEST_DB_PASSWORD":"s3cret","VAULT_TEST_RPM":120,"VAULT_TEST_KEEP":"vault"}}}`))
	}))
	defer server.Close()

	t.Setenv("VAULT_TEST_DB_PASSWORD", "")
	t.Setenv("VAULT_TEST_RPM", "")
	t.Setenv("VAULT_TEST_KEEP", "local")

	result, err := ApplyVaultSecrets(context.Background(), VaultConfig{
		Enabled:   true,
		Addr:      server.URL + "/",
		Token:     "tok",
		Mount:     "secret",
		Path:      "clinical-insights",
		KVVersion: 2,
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Loaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, "s3cret", os.Getenv("VAULT_TEST_DB_PASSWORD"))
	assert.Equal(t, "120", os.Getenv("VAULT_TEST_RPM"))
	assert.Equal(t, "local", os.Getenv("VAULT_TEST_KEEP"))
}

func TestApplyVaultSecrets_Failures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := VaultConfig{Enabled: true, Addr: server.URL, Token: "tok", Mount: "secret", Path: "p", KVVersion: 1, Timeout: time.Second}
	_, err := ApplyVaultSecrets(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))

	cfg.Token = ""
	_, err = ApplyVaultSecrets(context.Background(), cfg)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	result, err := ApplyVaultSecrets(context.Background(), VaultConfig{})
	require.NoError(t, err)
	assert.False(t, result.Enabled)
}

func TestExtractVaultData(t *testing.T) {
	data, err := extractVaultData(map[string]any{"data": map[string]any{"A": "1"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, "1", data["A"])

	_, err = extractVaultData(map[string]any{"data": map[string]any{"A": "1"}}, 2)
	assert.Error(t, err)
}

func TestLoadVaultConfigFromEnv(t *testing.T) {
	t.Setenv("VAULT_ENABLED", "TRUE")
	t.Setenv("VAULT_MOUNT", "kv")
	t.Setenv("VAULT_KV_VERSION", "1")
	t.Setenv("VAULT_TIMEOUT_MS", "250")

	cfg := LoadVaultConfigFromEnv()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "kv", cfg.Mount)
	assert.Equal(t, 1, cfg.KVVersion)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
}
