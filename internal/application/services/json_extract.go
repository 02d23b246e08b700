package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zatekoja/clinical-insights/backend/pkg/utils"
)

const parseErrorPreviewBytes = 500

var (
	fencedBlockPattern   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	objectSpanPattern    = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	controlCharPattern   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// JSONParseError is returned when no extraction stage produced valid JSON.
// Raw holds at most the first 500 bytes of the input.
type JSONParseError struct {
	Raw    string
	Stages []string
}

func (e *JSONParseError) Error() string {
	return fmt.Sprintf("no valid JSON found after %s; input starts with %q", strings.Join(e.Stages, ", "), e.Raw)
}

// extractor is one stage of the JSON extraction waterfall.
type extractor struct {
	name string
	fn   func(string) (any, bool)
}

var extractors = []extractor{
	{"direct", extractDirect},
	{"fenced_block", extractFencedBlock},
	{"object_span", extractObjectSpan},
	{"normalized", extractNormalized},
}

// ExtractJSON runs the extraction stages in order and returns the first
// successful decode.
func ExtractJSON(raw string) (any, error) {
	stages := make([]string, 0, len(extractors))
	for _, ex := range extractors {
		if v, ok := ex.fn(raw); ok {
			return v, nil
		}
		stages = append(stages, ex.name)
	}
	return nil, &JSONParseError{
		Raw:    utils.TruncateString(raw, parseErrorPreviewBytes),
		Stages: stages,
	}
}

func extractDirect(raw string) (any, bool) {
	return decodeJSON(strings.TrimSpace(raw))
}

func extractFencedBlock(raw string) (any, bool) {
	m := fencedBlockPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, false
	}
	return decodeJSON(strings.TrimSpace(m[1]))
}

// extractObjectSpan decodes the span from the first '{' to the last '}'.
func extractObjectSpan(raw string) (any, bool) {
	span := objectSpanPattern.FindString(raw)
	if span == "" {
		return nil, false
	}
	return decodeJSON(span)
}

// jsonRepairs are tried in order, each applied on top of the previous ones.
// Quote conversion comes last so well-formed strings with apostrophes are
// decoded before it runs.
var jsonRepairs = []func(string) string{
	stripControlAndTrailingCommas,
	singleToDoubleQuotes,
}

// extractNormalized repairs common model mistakes (trailing commas, single
// quotes, stray control characters) and decodes the result.
func extractNormalized(raw string) (any, bool) {
	candidate := raw
	if m := fencedBlockPattern.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}
	if span := objectSpanPattern.FindString(candidate); span != "" {
		candidate = span
	}
	for _, repair := range jsonRepairs {
		candidate = repair(candidate)
		if v, ok := decodeJSON(strings.TrimSpace(candidate)); ok {
			return v, true
		}
	}
	return nil, false
}

func stripControlAndTrailingCommas(s string) string {
	s = controlCharPattern.ReplaceAllString(s, "")
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// singleToDoubleQuotes rewrites single-quoted strings as double-quoted ones.
// Characters inside double-quoted strings are left untouched.
func singleToDoubleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble, inSingle := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle && c == '\\' && i+1 < len(s) && s[i+1] == '\'':
			i++
			b.WriteByte('\'')
		case (inDouble || inSingle) && c == '\\' && i+1 < len(s):
			b.WriteByte(c)
			i++
			b.WriteByte(s[i])
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			b.WriteByte(c)
		case inSingle:
			switch c {
			case '\'':
				inSingle = false
				b.WriteByte('"')
			case '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
		case c == '"':
			inDouble = true
			b.WriteByte(c)
		case c == '\'':
			inSingle = true
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeJSON(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}
