package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// TieredCache puts a small, short-lived CacheLayer (L1) in front of a shared
// store (L2). Every L2 failure is logged and counted, then treated as a miss
// or a skipped write, so callers only ever see L1 behavior when L2 is down.
type TieredCache struct {
	l1         *CacheLayer
	l2         providers.SharedCacheStore
	defaultTTL time.Duration
	ttls       map[entities.PipelineType]time.Duration
	now        func() time.Time

	l2Hits   atomic.Int64
	l2Misses atomic.Int64
	l2Errors atomic.Int64
}

// NewTieredCache creates a new two-tier cache. ttls and defaultTTL govern the
// L2 lifetime; the L1 lifetime is fixed by the L1 configuration.
func NewTieredCache(l1 *CacheLayer, l2 providers.SharedCacheStore, defaultTTL time.Duration, ttls map[entities.PipelineType]time.Duration) *TieredCache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &TieredCache{
		l1:         l1,
		l2:         l2,
		defaultTTL: defaultTTL,
		ttls:       ttls,
		now:        l1.now,
	}
}

// Get checks L1, then L2. An L2 hit is copied into L1.
func (t *TieredCache) Get(ctx context.Context, key string) (*entities.CachedItem, bool) {
	if item, ok := t.l1.Get(ctx, key); ok {
		return item, true
	}

	data, found, err := t.l2.Get(ctx, key)
	if err != nil {
		t.l2Failure(err, "get", key)
		return nil, false
	}
	if !found {
		t.l2Misses.Add(1)
		return nil, false
	}

	var item entities.CachedItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.l2Failure(err, "decode", key)
		return nil, false
	}
	now := t.now()
	if item.Expired(now) {
		t.l2Misses.Add(1)
		return nil, false
	}

	t.l2Hits.Add(1)
	item.Metadata.HitCount++
	item.Metadata.LastAccessedAt = now
	t.l1.WarmUp(ctx, []*entities.CachedItem{&item})
	return &item, true
}

// Set writes to both tiers. Only an L1 failure is returned.
func (t *TieredCache) Set(ctx context.Context, key string, value any, opts CacheSetOptions) error {
	if err := t.l1.Set(ctx, key, value, opts); err != nil {
		return err
	}

	ttl := t.resolveTTL(opts.PipelineType, opts.TTL)
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewServiceError(apperrors.CodeCacheError, "failed to encode cache value", err)
	}
	now := t.now()
	item := entities.CachedItem{
		Key:   key,
		Value: data,
		Metadata: entities.CacheMetadata{
			PipelineType:   opts.PipelineType,
			PromptVersion:  opts.PromptVersion,
			PatientID:      opts.PatientID,
			SessionID:      opts.SessionID,
			CreatedAt:      now,
			LastAccessedAt: now,
		},
		ExpiresAt: now.Add(ttl),
		Size:      int64(len(key) + len(data)),
	}

	t.writeL2(ctx, &item, ttl)
	return nil
}

func (t *TieredCache) writeL2(ctx context.Context, item *entities.CachedItem, ttl time.Duration) {
	encoded, err := json.Marshal(item)
	if err != nil {
		t.l2Failure(err, "encode", item.Key)
		return
	}
	if err := t.l2.Set(ctx, item.Key, encoded, ttl); err != nil {
		t.l2Failure(err, "set", item.Key)
	}
}

func (t *TieredCache) resolveTTL(pipelineType entities.PipelineType, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if ttl, ok := t.ttls[pipelineType]; ok && ttl > 0 {
		return ttl
	}
	return t.defaultTTL
}

// Delete removes key from both tiers.
func (t *TieredCache) Delete(ctx context.Context, key string) bool {
	removed := t.l1.Delete(ctx, key)
	_, found, err := t.l2.TTL(ctx, key)
	if err != nil {
		t.l2Failure(err, "ttl", key)
		return removed
	}
	if err := t.l2.Delete(ctx, key); err != nil {
		t.l2Failure(err, "delete", key)
		return removed
	}
	return removed || found
}

// Clear removes matching keys from both tiers and returns the larger count.
func (t *TieredCache) Clear(ctx context.Context, pattern string) int {
	n := t.l1.Clear(ctx, pattern)
	if pattern == "" {
		pattern = "*"
	}
	m, err := t.l2.DeletePattern(ctx, pattern)
	if err != nil {
		t.l2Failure(err, "delete pattern", pattern)
		return n
	}
	if m > n {
		return m
	}
	return n
}

// Has reports whether either tier holds a live entry.
func (t *TieredCache) Has(ctx context.Context, key string) bool {
	if t.l1.Has(ctx, key) {
		return true
	}
	_, found, err := t.l2.TTL(ctx, key)
	if err != nil {
		t.l2Failure(err, "ttl", key)
		return false
	}
	return found
}

// Keys lists matching keys from both tiers, sorted and de-duplicated.
func (t *TieredCache) Keys(ctx context.Context, pattern string) []string {
	seen := make(map[string]struct{})
	for _, k := range t.l1.Keys(ctx, pattern) {
		seen[k] = struct{}{}
	}
	if pattern == "" {
		pattern = "*"
	}
	remote, err := t.l2.Keys(ctx, pattern)
	if err != nil {
		t.l2Failure(err, "keys", pattern)
	}
	for _, k := range remote {
		seen[k] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TTL prefers the L2 lifetime, which outlives the short L1 copy.
func (t *TieredCache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	ttl, found, err := t.l2.TTL(ctx, key)
	if err != nil {
		t.l2Failure(err, "ttl", key)
		return t.l1.TTL(ctx, key)
	}
	if found {
		return ttl, true
	}
	return t.l1.TTL(ctx, key)
}

// Touch extends the lifetime in both tiers.
func (t *TieredCache) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	touched := t.l1.Touch(ctx, key, ttl)
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	ok, err := t.l2.Expire(ctx, key, ttl)
	if err != nil {
		t.l2Failure(err, "expire", key)
		return touched
	}
	return touched || ok
}

// WarmUp loads items into both tiers.
func (t *TieredCache) WarmUp(ctx context.Context, items []*entities.CachedItem) int {
	now := t.now()
	for _, item := range items {
		if item == nil || item.Expired(now) {
			continue
		}
		t.writeL2(ctx, item, item.ExpiresAt.Sub(now))
	}
	return t.l1.WarmUp(ctx, items)
}

// WarmFromStore copies live L2 entries matching pattern into L1, up to the L1
// capacity, and returns the count loaded.
func (t *TieredCache) WarmFromStore(ctx context.Context, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := t.l2.Keys(ctx, pattern)
	if err != nil {
		t.l2Failure(err, "keys", pattern)
		return 0
	}
	if len(keys) > t.l1.cfg.MaxItems {
		keys = keys[:t.l1.cfg.MaxItems]
	}

	items := make([]*entities.CachedItem, 0, len(keys))
	for _, key := range keys {
		data, found, err := t.l2.Get(ctx, key)
		if err != nil {
			t.l2Failure(err, "get", key)
			continue
		}
		if !found {
			continue
		}
		var item entities.CachedItem
		if err := json.Unmarshal(data, &item); err != nil {
			t.l2Failure(err, "decode", key)
			continue
		}
		items = append(items, &item)
	}
	return t.l1.WarmUp(ctx, items)
}

// Stats combines L1 counters with L2 hit, miss and error counts.
func (t *TieredCache) Stats() entities.CacheStats {
	stats := t.l1.Stats()
	stats.L2Hits = t.l2Hits.Load()
	stats.L2Misses = t.l2Misses.Load()
	stats.L2Errors = t.l2Errors.Load()

	hits := stats.Hits + stats.L2Hits
	lookups := stats.Hits + stats.Misses
	if lookups > 0 {
		stats.HitRate = float64(hits) / float64(lookups)
	}
	return stats
}

// Ping reports L2 reachability.
func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l2.Ping(ctx); err != nil {
		return apperrors.NewServiceError(apperrors.CodeCacheError, "shared cache unreachable", err)
	}
	return nil
}

// Shutdown stops the L1 janitor. The L2 client is closed by its owner.
func (t *TieredCache) Shutdown(ctx context.Context) error {
	return t.l1.Shutdown(ctx)
}

func (t *TieredCache) l2Failure(err error, op, key string) {
	t.l2Errors.Add(1)
	log.Warn().Err(err).Str("op", op).Str("key", key).Msg("shared cache unavailable, serving from local tier")
}

var _ ResultCache = (*TieredCache)(nil)
