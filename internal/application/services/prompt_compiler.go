package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
	"github.com/zatekoja/clinical-insights/backend/pkg/utils"
)

const (
	charsPerToken      = 4
	minTruncatedLength = 64
	truncationMarker   = " [truncated]"
)

// CompileOptions controls prompt compilation.
type CompileOptions struct {
	// MaxPromptTokens overrides the template limit when positive.
	MaxPromptTokens int
	// Truncate shrinks the longest string variables instead of failing when
	// the prompt is too large.
	Truncate bool
}

// CompiledPrompt is a rendered template.
type CompiledPrompt struct {
	Text            string
	EstimatedTokens int
	Truncated       bool
	Variables       map[string]any
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CompilePrompt substitutes vars into the template. Missing required
// variables and undeclared placeholders without a value fail the compile
// instead of rendering as empty text.
func CompilePrompt(tmpl *entities.PromptTemplate, vars map[string]any, opts CompileOptions) (*CompiledPrompt, error) {
	values := make(map[string]string)
	used := make(map[string]any)
	var missing []string

	for _, decl := range tmpl.Variables {
		raw, ok := vars[decl.Name]
		rendered := ""
		if ok {
			rendered = renderValue(raw)
		}
		if strings.TrimSpace(rendered) == "" {
			switch {
			case decl.Default != "":
				rendered = decl.Default
			case decl.Required:
				missing = append(missing, decl.Name)
				continue
			}
		}
		values[decl.Name] = rendered
		if ok {
			used[decl.Name] = raw
		}
	}

	for name := range placeholders(tmpl.Template) {
		if _, declared := values[name]; declared {
			continue
		}
		if _, isDecl := tmpl.Variable(name); isDecl {
			continue
		}
		raw, ok := vars[name]
		if !ok || strings.TrimSpace(renderValue(raw)) == "" {
			missing = append(missing, name)
			continue
		}
		values[name] = renderValue(raw)
		used[name] = raw
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.NewServiceError(apperrors.CodePromptCompileFailed,
			fmt.Sprintf("prompt %s@%s is missing variables: %s", tmpl.ID, tmpl.Version, strings.Join(missing, ", ")), nil).
			WithContext("missing", missing)
	}

	limit := tmpl.Config.MaxPromptTokens
	if opts.MaxPromptTokens > 0 {
		limit = opts.MaxPromptTokens
	}

	text := render(tmpl.Template, values)
	truncated := false
	if limit > 0 && EstimateTokens(text) > limit {
		if !opts.Truncate {
			return nil, apperrors.NewServiceError(apperrors.CodePromptTooLarge,
				fmt.Sprintf("prompt is ~%d tokens, limit is %d", EstimateTokens(text), limit), nil).
				WithContext("estimated_tokens", EstimateTokens(text)).
				WithContext("limit", limit)
		}
		text, truncated = shrinkToFit(tmpl.Template, values, limit)
		if EstimateTokens(text) > limit {
			return nil, apperrors.NewServiceError(apperrors.CodePromptTooLarge,
				fmt.Sprintf("prompt is ~%d tokens after truncation, limit is %d", EstimateTokens(text), limit), nil)
		}
	}

	return &CompiledPrompt{
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
		Truncated:       truncated,
		Variables:       used,
	}, nil
}

// shrinkToFit cuts the longest rendered values until the prompt fits or no
// value can shrink further.
func shrinkToFit(template string, values map[string]string, limit int) (string, bool) {
	text := render(template, values)
	truncated := false

	for EstimateTokens(text) > limit {
		name := longestValue(values)
		if name == "" {
			break
		}
		current := values[name]
		excess := len(text) - limit*charsPerToken + len(truncationMarker)
		keep := len(current) - excess
		if keep < minTruncatedLength {
			keep = minTruncatedLength
		}
		values[name] = utils.TruncateString(current, keep) + truncationMarker
		truncated = true
		text = render(template, values)
	}
	return text, truncated
}

func longestValue(values map[string]string) string {
	best := ""
	bestLen := minTruncatedLength + len(truncationMarker)
	for name, v := range values {
		if len(v) > bestLen {
			best, bestLen = name, len(v)
		}
	}
	return best
}

func render(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
