package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

func TestGenerateCacheKey(t *testing.T) {
	key, err := GenerateCacheKey("", CacheKeyParams{
		PipelineType:  entities.PipelineSafetyCheck,
		PatientID:     "p1",
		PromptVersion: "1.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "ai:safety_check:p1:1.0.0", key)

	key, err = GenerateCacheKey("insights", CacheKeyParams{
		PipelineType:  entities.PipelineSafetyCheck,
		PatientID:     "p1",
		PromptVersion: "1.0.0",
		SessionID:     "s1",
		Variables:     map[string]any{"modality": "telehealth"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^insights:safety_check:p1:1\.0\.0:s1:[0-9a-f]{8}$`, key)

	_, err = GenerateCacheKey("ai", CacheKeyParams{PipelineType: entities.PipelineSafetyCheck})
	assert.Error(t, err)
}

func TestGenerateCacheKey_VariableOrderDoesNotMatter(t *testing.T) {
	base := CacheKeyParams{PipelineType: entities.PipelineBillingCPT, PatientID: "p1", PromptVersion: "1.0.0"}

	a := base
	a.Variables = map[string]any{"modality": "telehealth", "duration_minutes": 53, "nested": map[string]any{"y": 1, "x": 2}}
	b := base
	b.Variables = map[string]any{"nested": map[string]any{"x": 2, "y": 1}, "duration_minutes": 53, "modality": "telehealth"}
	c := base
	c.Variables = map[string]any{"modality": "in-person", "duration_minutes": 53}

	ka, err := GenerateCacheKey("ai", a)
	require.NoError(t, err)
	kb, err := GenerateCacheKey("ai", b)
	require.NoError(t, err)
	kc, err := GenerateCacheKey("ai", c)
	require.NoError(t, err)

	assert.Equal(t, ka, kb)
	assert.NotEqual(t, ka, kc)
}

func TestGenerateCachePatterns(t *testing.T) {
	tests := []struct {
		name   string
		params CachePatternParams
		want   []string
		match  []string
		reject []string
	}{
		{
			name:   "everything",
			params: CachePatternParams{},
			want:   []string{"ai:*:*:**"},
			match:  []string{"ai:safety_check:p1:1.0.0", "ai:billing_cpt:p2:1.0.0:s1:abcd1234"},
		},
		{
			name:   "patient",
			params: CachePatternParams{PatientID: "p1"},
			want:   []string{"ai:*:p1:**"},
			match:  []string{"ai:safety_check:p1:1.0.0", "ai:billing_cpt:p1:2.0.0:s9"},
			reject: []string{"ai:safety_check:p2:1.0.0"},
		},
		{
			name:   "session",
			params: CachePatternParams{PatientID: "p1", SessionID: "s1"},
			want:   []string{"ai:*:p1:*:s1", "ai:*:p1:*:s1:*"},
			match:  []string{"ai:safety_check:p1:1.0.0:s1", "ai:safety_check:p1:1.0.0:s1:abcd1234"},
			reject: []string{"ai:safety_check:p1:1.0.0:s2", "ai:safety_check:p1:1.0.0", "ai:safety_check:p1:1.0.0:s10", "ai:billing_cpt:p1:1.0.0:s11:abcd1234"},
		},
		{
			name:   "pipeline",
			params: CachePatternParams{PipelineType: entities.PipelineBillingCPT},
			want:   []string{"ai:billing_cpt:*:**"},
			match:  []string{"ai:billing_cpt:p1:1.0.0"},
			reject: []string{"ai:safety_check:p1:1.0.0", "other:billing_cpt:p1:1.0.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patterns := GenerateCachePatterns("", tt.params)
			assert.Equal(t, tt.want, patterns)
			for _, k := range tt.match {
				assert.Equal(t, 1, matchCount(patterns, k), k)
			}
			for _, k := range tt.reject {
				assert.Zero(t, matchCount(patterns, k), k)
			}
		})
	}
}

func matchCount(patterns []string, key string) int {
	n := 0
	for _, p := range patterns {
		if matchPattern(p, key) {
			n++
		}
	}
	return n
}
