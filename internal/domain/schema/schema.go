// Package schema describes the expected shape of model output. Object schemas
// expose a sub-schema per field so that individual top-level keys can be
// validated on their own.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Type is a JSON value kind.
type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeAny     Type = "any"
)

// Schema is a structural description of a JSON value.
type Schema struct {
	Type        Type               `json:"type" yaml:"type"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      map[string]*Schema `json:"fields,omitempty" yaml:"fields,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	MinLength   int                `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MinItems    int                `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems    int                `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	Nullable    bool               `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// IssueKind groups validation issues.
type IssueKind string

const (
	IssueMissingRequired IssueKind = "missing_required"
	IssueTypeMismatch    IssueKind = "type_mismatch"
	IssueConstraint      IssueKind = "constraint"
)

// Issue is a single validation problem at a JSON path.
type Issue struct {
	Path    string    `json:"path"`
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
}

// ValidationError lists every problem found in a value.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// OnlyMissingRequired reports whether every issue is a missing required field.
func (e *ValidationError) OnlyMissingRequired() bool {
	if len(e.Issues) == 0 {
		return false
	}
	for _, issue := range e.Issues {
		if issue.Kind != IssueMissingRequired {
			return false
		}
	}
	return true
}

// RootMismatch reports whether the value itself had the wrong type.
func (e *ValidationError) RootMismatch() bool {
	for _, issue := range e.Issues {
		if issue.Path == "$" && issue.Kind == IssueTypeMismatch {
			return true
		}
	}
	return false
}

// IsObject reports whether the schema describes an object with named fields.
func (s *Schema) IsObject() bool {
	return s != nil && s.Type == TypeObject
}

// Field returns the sub-schema for a top-level field of an object schema.
func (s *Schema) Field(name string) (*Schema, bool) {
	if !s.IsObject() || s.Fields == nil {
		return nil, false
	}
	f, ok := s.Fields[name]
	return f, ok && f != nil
}

// Validate checks v, as produced by encoding/json, against the schema.
// A nil schema accepts everything.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	var issues []Issue
	s.validate("$", v, &issues)
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (s *Schema) validate(path string, v any, issues *[]Issue) {
	if v == nil {
		if !s.Nullable && s.Type != TypeAny {
			*issues = append(*issues, Issue{Path: path, Kind: IssueTypeMismatch, Message: fmt.Sprintf("expected %s, got null", s.Type)})
		}
		return
	}

	switch s.Type {
	case TypeAny, "":
		return

	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			*issues = append(*issues, mismatch(path, s.Type, v))
			return
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				*issues = append(*issues, Issue{Path: path + "." + name, Kind: IssueMissingRequired, Message: "required field missing"})
			}
		}
		for _, name := range sortedKeys(obj) {
			if sub, ok := s.Fields[name]; ok && sub != nil {
				sub.validate(path+"."+name, obj[name], issues)
			}
		}

	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			*issues = append(*issues, mismatch(path, s.Type, v))
			return
		}
		if s.MinItems > 0 && len(arr) < s.MinItems {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("expected at least %d items, got %d", s.MinItems, len(arr))})
		}
		if s.MaxItems > 0 && len(arr) > s.MaxItems {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("expected at most %d items, got %d", s.MaxItems, len(arr))})
		}
		if s.Items != nil {
			for i, item := range arr {
				s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item, issues)
			}
		}

	case TypeString:
		str, ok := v.(string)
		if !ok {
			*issues = append(*issues, mismatch(path, s.Type, v))
			return
		}
		if s.MinLength > 0 && len(str) < s.MinLength {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("expected at least %d characters", s.MinLength)})
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("value %q not in %v", str, s.Enum)})
		}

	case TypeNumber, TypeInteger:
		num, ok := toFloat(v)
		if !ok {
			*issues = append(*issues, mismatch(path, s.Type, v))
			return
		}
		if s.Type == TypeInteger && num != math.Trunc(num) {
			*issues = append(*issues, mismatch(path, s.Type, v))
			return
		}
		if s.Minimum != nil && num < *s.Minimum {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("%v is below minimum %v", num, *s.Minimum)})
		}
		if s.Maximum != nil && num > *s.Maximum {
			*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("%v is above maximum %v", num, *s.Maximum)})
		}

	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			*issues = append(*issues, mismatch(path, s.Type, v))
		}

	default:
		*issues = append(*issues, Issue{Path: path, Kind: IssueConstraint, Message: fmt.Sprintf("unsupported schema type %q", s.Type)})
	}
}

// JSONSchema renders the schema in JSON Schema form for model endpoints that
// support structured output.
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return map[string]any{}
	}

	out := map[string]any{}
	if s.Type != TypeAny && s.Type != "" {
		if s.Nullable {
			out["type"] = []string{string(s.Type), "null"}
		} else {
			out["type"] = string(s.Type)
		}
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Minimum != nil {
		out["minimum"] = *s.Minimum
	}
	if s.Maximum != nil {
		out["maximum"] = *s.Maximum
	}
	if s.MinLength > 0 {
		out["minLength"] = s.MinLength
	}
	if s.MinItems > 0 {
		out["minItems"] = s.MinItems
	}
	if s.MaxItems > 0 {
		out["maxItems"] = s.MaxItems
	}
	if s.Items != nil {
		out["items"] = s.Items.JSONSchema()
	}
	if s.Type == TypeObject {
		props := make(map[string]any, len(s.Fields))
		for name, sub := range s.Fields {
			props[name] = sub.JSONSchema()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = s.Required
		}
		out["additionalProperties"] = false
	}
	return out
}

func mismatch(path string, want Type, v any) Issue {
	return Issue{Path: path, Kind: IssueTypeMismatch, Message: fmt.Sprintf("expected %s, got %s", want, kindOf(v))}
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
