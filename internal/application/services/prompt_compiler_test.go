package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

func billingTemplate(t *testing.T) *entities.PromptTemplate {
	t.Helper()
	tmpl, err := newTestRegistry(t).Get(string(entities.PipelineBillingCPT), GetOptions{})
	require.NoError(t, err)
	return tmpl
}

func TestCompilePrompt_SubstitutesAndDefaults(t *testing.T) {
	tmpl := billingTemplate(t)

	compiled, err := CompilePrompt(tmpl, map[string]any{
		"transcript":       "Client reported improved sleep.",
		"duration_minutes": 53,
	}, CompileOptions{})
	require.NoError(t, err)

	assert.Contains(t, compiled.Text, "Session duration (minutes): 53")
	assert.Contains(t, compiled.Text, "Session modality: in-person")
	assert.Contains(t, compiled.Text, "Client reported improved sleep.")
	assert.NotContains(t, compiled.Text, "{{")
	assert.False(t, compiled.Truncated)
	assert.Equal(t, EstimateTokens(compiled.Text), compiled.EstimatedTokens)
	assert.Equal(t, 53, compiled.Variables["duration_minutes"])
}

func TestCompilePrompt_MissingRequiredVariables(t *testing.T) {
	tmpl := billingTemplate(t)

	_, err := CompilePrompt(tmpl, map[string]any{"transcript": "   "}, CompileOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodePromptCompileFailed, apperrors.CodeOf(err))

	svcErr, ok := apperrors.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"duration_minutes", "transcript"}, svcErr.Context["missing"])
}

func TestCompilePrompt_UndeclaredPlaceholder(t *testing.T) {
	tmpl := &entities.PromptTemplate{ID: "adhoc", Version: "1.0.0", Template: "Goals: {{ goals }}"}

	_, err := CompilePrompt(tmpl, nil, CompileOptions{})
	assert.Equal(t, apperrors.CodePromptCompileFailed, apperrors.CodeOf(err))

	compiled, err := CompilePrompt(tmpl, map[string]any{"goals": []string{"sleep", "mood"}}, CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, `Goals: ["sleep","mood"]`, compiled.Text)
}

func TestCompilePrompt_TooLarge(t *testing.T) {
	tmpl := billingTemplate(t)
	vars := map[string]any{
		"transcript":       strings.Repeat("The client described the week in detail. ", 40),
		"duration_minutes": 53,
	}

	_, err := CompilePrompt(tmpl, vars, CompileOptions{MaxPromptTokens: 150})
	assert.Equal(t, apperrors.CodePromptTooLarge, apperrors.CodeOf(err))

	compiled, err := CompilePrompt(tmpl, vars, CompileOptions{MaxPromptTokens: 150, Truncate: true})
	require.NoError(t, err)
	assert.True(t, compiled.Truncated)
	assert.LessOrEqual(t, compiled.EstimatedTokens, 150)
	assert.Contains(t, compiled.Text, truncationMarker)
	assert.Contains(t, compiled.Text, "Session duration (minutes): 53")
}

func TestCompilePrompt_TruncationCannotSatisfyLimit(t *testing.T) {
	tmpl := billingTemplate(t)
	vars := map[string]any{"transcript": "short", "duration_minutes": 53}

	_, err := CompilePrompt(tmpl, vars, CompileOptions{MaxPromptTokens: 10, Truncate: true})
	assert.Equal(t, apperrors.CodePromptTooLarge, apperrors.CodeOf(err))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
