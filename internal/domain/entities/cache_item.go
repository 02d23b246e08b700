package entities

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheMetadata describes the provenance and usage of a cached result.
type CacheMetadata struct {
	PipelineType   PipelineType `json:"pipeline_type,omitempty"`
	PromptVersion  string       `json:"prompt_version,omitempty"`
	PatientID      string       `json:"patient_id,omitempty"`
	SessionID      string       `json:"session_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	HitCount       int64        `json:"hit_count"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
}

// CachedItem is a cached pipeline result. Value holds the JSON encoding of
// the cached data.
type CachedItem struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  CacheMetadata   `json:"metadata"`
	ExpiresAt time.Time       `json:"expires_at"`
	Size      int64           `json:"size"`
}

// Expired reports whether the item is past its expiry at now.
func (i *CachedItem) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Clone returns a copy that does not share the value buffer.
func (i *CachedItem) Clone() *CachedItem {
	c := *i
	c.Value = append(json.RawMessage(nil), i.Value...)
	return &c
}

// DecodeCachedValue unmarshals the cached value into T.
func DecodeCachedValue[T any](item *CachedItem) (T, error) {
	var out T
	if item == nil {
		return out, fmt.Errorf("nil cache item")
	}
	if err := json.Unmarshal(item.Value, &out); err != nil {
		return out, fmt.Errorf("failed to decode cached value for %s: %w", item.Key, err)
	}
	return out, nil
}

// CacheStats summarizes cache behavior since start.
type CacheStats struct {
	Items       int     `json:"items"`
	MemoryBytes int64   `json:"memory_bytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
	L2Hits      int64   `json:"l2_hits,omitempty"`
	L2Misses    int64   `json:"l2_misses,omitempty"`
	L2Errors    int64   `json:"l2_errors,omitempty"`
}
