package services

import (
	"fmt"
	"path"
	"strings"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/pkg/utils"
)

// DefaultCacheKeyPrefix is used when no prefix is configured.
const DefaultCacheKeyPrefix = "ai"

// CacheKeyParams identifies a cached pipeline result.
type CacheKeyParams struct {
	PipelineType  entities.PipelineType
	PatientID     string
	PromptVersion string
	SessionID     string
	Variables     map[string]any
}

// GenerateCacheKey builds prefix:pipelineType:patientId:promptVersion[:sessionId][:hash]
// where hash is the first 8 hex chars of the SHA-256 of the variables encoded
// with sorted keys. Equal inputs always produce the same key.
func GenerateCacheKey(prefix string, p CacheKeyParams) (string, error) {
	if prefix == "" {
		prefix = DefaultCacheKeyPrefix
	}
	if p.PipelineType == "" || p.PatientID == "" || p.PromptVersion == "" {
		return "", fmt.Errorf("cache key requires pipeline type, patient id and prompt version")
	}

	parts := []string{prefix, string(p.PipelineType), p.PatientID, p.PromptVersion}
	if p.SessionID != "" {
		parts = append(parts, p.SessionID)
	}
	if len(p.Variables) > 0 {
		hash, err := utils.HashVariables(p.Variables)
		if err != nil {
			return "", fmt.Errorf("failed to hash cache variables: %w", err)
		}
		parts = append(parts, hash)
	}
	return strings.Join(parts, ":"), nil
}

// CachePatternParams selects cached results for bulk invalidation. Empty
// fields match anything.
type CachePatternParams struct {
	PipelineType  entities.PipelineType
	PatientID     string
	PromptVersion string
	SessionID     string
}

// GenerateCachePatterns builds the globs selecting cached results, with *
// substituted for every omitted field. A key matches at most one of them.
// Without a session the trailing * covers the optional session and variable
// hash segments. A session selects its segment exactly, as the key either ends
// there or continues with the variable hash.
func GenerateCachePatterns(prefix string, p CachePatternParams) []string {
	if prefix == "" {
		prefix = DefaultCacheKeyPrefix
	}
	base := strings.Join([]string{
		prefix,
		orWildcard(string(p.PipelineType)),
		orWildcard(p.PatientID),
		orWildcard(p.PromptVersion),
	}, ":")
	if p.SessionID == "" {
		return []string{base + "*"}
	}
	session := base + ":" + p.SessionID
	return []string{session, session + ":*"}
}

// matchPattern reports whether key matches a glob pattern. An empty pattern
// matches everything.
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

func orWildcard(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
