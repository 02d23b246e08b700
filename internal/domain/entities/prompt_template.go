package entities

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/schema"
)

// PromptCategory groups templates by clinical purpose.
type PromptCategory string

const (
	PromptCategorySafety        PromptCategory = "safety"
	PromptCategoryBilling       PromptCategory = "billing"
	PromptCategoryProgress      PromptCategory = "progress"
	PromptCategoryDocumentation PromptCategory = "documentation"
)

// PromptVariable declares a placeholder a template may reference.
type PromptVariable struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required" yaml:"required"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TokenEstimate bounds the expected output size of a template.
type TokenEstimate struct {
	Min     int `json:"min" yaml:"min"`
	Typical int `json:"typical" yaml:"typical"`
	Max     int `json:"max" yaml:"max"`
}

// ExecutionConfig carries model parameters suggested by a template.
type ExecutionConfig struct {
	Model           string        `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature     float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxPromptTokens int           `json:"max_prompt_tokens,omitempty" yaml:"max_prompt_tokens,omitempty"`
	TokenEstimate   TokenEstimate `json:"token_estimate" yaml:"token_estimate"`
}

// PromptExample is a worked input/output pair stored with a template.
type PromptExample struct {
	Input  map[string]any `json:"input" yaml:"input"`
	Output string         `json:"output" yaml:"output"`
}

// PromptTemplate is an immutable, versioned prompt.
type PromptTemplate struct {
	ID           string           `json:"id" yaml:"id"`
	Version      string           `json:"version" yaml:"version"`
	Category     PromptCategory   `json:"category" yaml:"category"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Template     string           `json:"template" yaml:"template"`
	Variables    []PromptVariable `json:"variables" yaml:"variables"`
	OutputSchema *schema.Schema   `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Config       ExecutionConfig  `json:"config" yaml:"config"`
	Examples     []PromptExample  `json:"examples,omitempty" yaml:"examples,omitempty"`
	DeprecatedAt *time.Time       `json:"deprecated_at,omitempty" yaml:"deprecated_at,omitempty"`
}

// IsDeprecated reports whether the template is past its deprecation time.
func (t *PromptTemplate) IsDeprecated(now time.Time) bool {
	return t.DeprecatedAt != nil && !now.Before(*t.DeprecatedAt)
}

// Variable returns the declared variable with the given name.
func (t *PromptTemplate) Variable(name string) (PromptVariable, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return PromptVariable{}, false
}

// PromptRegistryEntry is a registered template plus registry bookkeeping.
type PromptRegistryEntry struct {
	Template     *PromptTemplate `json:"template"`
	RegisteredAt time.Time       `json:"registered_at"`
	IsLatest     bool            `json:"is_latest"`
	UsageCount   int64           `json:"usage_count"`
}

// SemVer is a major.minor.patch version. Pre-release and build suffixes are
// not supported.
type SemVer struct {
	Major int
	Minor int
	Patch int
}

// ParseSemVer parses "major.minor.patch".
func ParseSemVer(v string) (SemVer, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) != 3 {
		return SemVer{}, fmt.Errorf("version %q is not major.minor.patch", v)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemVer{}, fmt.Errorf("version %q has invalid component %q", v, p)
		}
		nums[i] = n
	}
	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or 1 as v is lower than, equal to or higher than o.
func (v SemVer) Compare(o SemVer) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
