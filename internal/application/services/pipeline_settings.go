package services

import (
	"sort"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
)

// PipelineSettings is the effective execution configuration of one pipeline type.
type PipelineSettings struct {
	PipelineType  entities.PipelineType
	PromptID      string
	Model         string
	Temperature   float64
	MaxTokens     int
	CacheTTL      time.Duration
	Timeout       time.Duration
	RetryAttempts int
	Enabled       bool
	Priority      int
	// StructuredOutput asks the model endpoint to guarantee schema
	// conformance, in which case the returned object skips text parsing.
	StructuredOutput  bool
	PartialExtraction bool
	Fallback          map[string]any
}

// DefaultPipelineSettings returns the built-in table. Each call returns a fresh map.
func DefaultPipelineSettings() map[entities.PipelineType]PipelineSettings {
	return map[entities.PipelineType]PipelineSettings{
		entities.PipelineSafetyCheck: {
			PipelineType:     entities.PipelineSafetyCheck,
			PromptID:         "safety_check",
			Model:            "gpt-4o",
			Temperature:      0.1,
			MaxTokens:        1200,
			CacheTTL:         5 * time.Minute,
			Timeout:          30 * time.Second,
			RetryAttempts:    3,
			Enabled:          true,
			Priority:         1,
			StructuredOutput: true,
		},
		entities.PipelineBillingCPT: {
			PipelineType:     entities.PipelineBillingCPT,
			PromptID:         "billing_cpt",
			Model:            "gpt-4o-mini",
			Temperature:      0,
			MaxTokens:        800,
			CacheTTL:         30 * time.Minute,
			Timeout:          45 * time.Second,
			RetryAttempts:    2,
			Enabled:          true,
			Priority:         2,
			StructuredOutput: true,
		},
		entities.PipelineProgressAssessment: {
			PipelineType:      entities.PipelineProgressAssessment,
			PromptID:          "progress_assessment",
			Model:             "gpt-4o",
			Temperature:       0.2,
			MaxTokens:         1500,
			CacheTTL:          15 * time.Minute,
			Timeout:           45 * time.Second,
			RetryAttempts:     2,
			Enabled:           true,
			Priority:          3,
			PartialExtraction: true,
			Fallback: map[string]any{
				"overall_trend": "insufficient_data",
				"goals":         []any{},
				"summary":       "Automated progress assessment unavailable for this session.",
			},
		},
		entities.PipelineSessionNote: {
			PipelineType:      entities.PipelineSessionNote,
			PromptID:          "session_note",
			Model:             "gpt-4o",
			Temperature:       0.3,
			MaxTokens:         2000,
			CacheTTL:          10 * time.Minute,
			Timeout:           60 * time.Second,
			RetryAttempts:     2,
			Enabled:           true,
			Priority:          4,
			PartialExtraction: true,
		},
	}
}

// PipelineSettingsFromConfig applies the per-pipeline configuration on top of
// the built-in table. Zero model parameters keep the table values.
func PipelineSettingsFromConfig(pipelines map[string]config.PipelineConfig) map[entities.PipelineType]PipelineSettings {
	settings := DefaultPipelineSettings()
	for name, pc := range pipelines {
		pt := entities.PipelineType(name)
		s, ok := settings[pt]
		if !ok {
			continue
		}
		s.Enabled = pc.Enabled
		if pc.Priority > 0 {
			s.Priority = pc.Priority
		}
		if pc.Timeout > 0 {
			s.Timeout = pc.Timeout
		}
		if pc.RetryAttempts >= 0 {
			s.RetryAttempts = pc.RetryAttempts
		}
		if pc.CacheTTL > 0 {
			s.CacheTTL = pc.CacheTTL
		}
		if pc.Model != "" {
			s.Model = pc.Model
		}
		if pc.Temperature > 0 {
			s.Temperature = pc.Temperature
		}
		if pc.MaxTokens > 0 {
			s.MaxTokens = pc.MaxTokens
		}
		settings[pt] = s
	}
	return settings
}

// CacheTTLs extracts the per-pipeline cache lifetimes.
func CacheTTLs(settings map[entities.PipelineType]PipelineSettings) map[entities.PipelineType]time.Duration {
	ttls := make(map[entities.PipelineType]time.Duration, len(settings))
	for pt, s := range settings {
		if s.CacheTTL > 0 {
			ttls[pt] = s.CacheTTL
		}
	}
	return ttls
}

// EnabledByPriority returns the enabled settings among types (all types when
// empty), lowest priority value first.
func EnabledByPriority(settings map[entities.PipelineType]PipelineSettings, types []entities.PipelineType) []PipelineSettings {
	if len(types) == 0 {
		types = entities.AllPipelineTypes()
	}

	seen := make(map[entities.PipelineType]bool, len(types))
	out := make([]PipelineSettings, 0, len(types))
	for _, pt := range types {
		s, ok := settings[pt]
		if !ok || !s.Enabled || seen[pt] {
			continue
		}
		seen[pt] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].PipelineType < out[j].PipelineType
	})
	return out
}
