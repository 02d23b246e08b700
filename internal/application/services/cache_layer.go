package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// ResultCache is the cache surface the pipeline executor depends on. Both the
// in-process CacheLayer and the two-tier TieredCache implement it.
type ResultCache interface {
	Get(ctx context.Context, key string) (*entities.CachedItem, bool)
	Set(ctx context.Context, key string, value any, opts CacheSetOptions) error
	Delete(ctx context.Context, key string) bool
	Clear(ctx context.Context, pattern string) int
	Has(ctx context.Context, key string) bool
	Keys(ctx context.Context, pattern string) []string
	TTL(ctx context.Context, key string) (time.Duration, bool)
	Touch(ctx context.Context, key string, ttl time.Duration) bool
	WarmUp(ctx context.Context, items []*entities.CachedItem) int
	Stats() entities.CacheStats
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// CacheSetOptions carries metadata for a cache write. A zero TTL resolves
// through the per-pipeline table.
type CacheSetOptions struct {
	PipelineType  entities.PipelineType
	PromptVersion string
	PatientID     string
	SessionID     string
	TTL           time.Duration
}

// CacheLayerConfig configures a CacheLayer.
type CacheLayerConfig struct {
	MaxItems       int
	MaxMemoryBytes int64
	DefaultTTL     time.Duration
	TTLByPipeline  map[entities.PipelineType]time.Duration
	// FixedTTL, when set, overrides every other TTL source. Used for the
	// short-lived first tier of a TieredCache.
	FixedTTL        time.Duration
	CleanupInterval time.Duration
}

// CacheLayer is a bounded in-process LRU cache with lazy expiry and a memory
// budget.
type CacheLayer struct {
	cfg CacheLayerConfig
	now func() time.Time

	mu          sync.Mutex
	lru         *simplelru.LRU[string, *entities.CachedItem]
	memoryBytes int64
	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CacheLayerOption customizes a CacheLayer.
type CacheLayerOption func(*CacheLayer)

// WithCacheClock replaces the time source.
func WithCacheClock(now func() time.Time) CacheLayerOption {
	return func(c *CacheLayer) {
		c.now = now
	}
}

// NewCacheLayer creates a new in-process cache
func NewCacheLayer(cfg CacheLayerConfig, opts ...CacheLayerOption) (*CacheLayer, error) {
	if cfg.MaxItems <= 0 {
		return nil, apperrors.NewValidationError("cache max items must be positive")
	}
	if cfg.MaxMemoryBytes <= 0 {
		return nil, apperrors.NewValidationError("cache memory budget must be positive")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}

	c := &CacheLayer{
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Capacity is enforced by evictLocked; the extra slot keeps simplelru
	// from evicting on its own.
	lru, err := simplelru.NewLRU[string, *entities.CachedItem](cfg.MaxItems+1, c.onRemove)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to create LRU", err)
	}
	c.lru = lru

	if cfg.CleanupInterval > 0 {
		go c.janitor(cfg.CleanupInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

// onRemove runs under c.mu for every removal simplelru performs.
func (c *CacheLayer) onRemove(_ string, item *entities.CachedItem) {
	c.memoryBytes -= item.Size
}

// Get returns a copy of the cached item, or false on a miss or expiry.
func (c *CacheLayer) Get(_ context.Context, key string) (*entities.CachedItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.now()
	if item.Expired(now) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return nil, false
	}

	item.Metadata.HitCount++
	item.Metadata.LastAccessedAt = now
	c.hits++
	return item.Clone(), true
}

// Set stores value under key, evicting least recently used items until both
// the item-count and memory caps hold.
func (c *CacheLayer) Set(_ context.Context, key string, value any, opts CacheSetOptions) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewServiceError(apperrors.CodeCacheError, "failed to encode cache value", err)
	}

	now := c.now()
	item := &entities.CachedItem{
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
		ExpiresAt: now.Add(c.resolveTTL(opts.PipelineType, opts.TTL)),
	}

	return c.put(item)
}

func (c *CacheLayer) put(item *entities.CachedItem) error {
	item.Size = int64(len(item.Key) + len(item.Value))
	if item.Size > c.cfg.MaxMemoryBytes {
		return apperrors.NewServiceError(apperrors.CodeCacheError,
			fmt.Sprintf("item of %d bytes exceeds cache budget of %d bytes", item.Size, c.cfg.MaxMemoryBytes), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(item.Key)
	c.lru.Add(item.Key, item)
	c.memoryBytes += item.Size
	c.evictLocked()
	return nil
}

func (c *CacheLayer) evictLocked() {
	for c.lru.Len() > c.cfg.MaxItems || c.memoryBytes > c.cfg.MaxMemoryBytes {
		key, _, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		c.evictions++
		log.Debug().Str("key", key).Msg("cache entry evicted")
	}
}

func (c *CacheLayer) resolveTTL(pipelineType entities.PipelineType, explicit time.Duration) time.Duration {
	if c.cfg.FixedTTL > 0 {
		if explicit > 0 && explicit < c.cfg.FixedTTL {
			return explicit
		}
		return c.cfg.FixedTTL
	}
	if explicit > 0 {
		return explicit
	}
	if ttl, ok := c.cfg.TTLByPipeline[pipelineType]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Delete removes key and reports whether it was present.
func (c *CacheLayer) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear removes every key matching pattern and returns the count removed.
// An empty pattern clears the cache.
func (c *CacheLayer) Clear(_ context.Context, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" || pattern == "*" {
		n := c.lru.Len()
		c.lru.Purge()
		c.memoryBytes = 0
		return n
	}

	removed := 0
	for _, key := range c.lru.Keys() {
		if matchPattern(pattern, key) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Has reports whether a live entry exists without touching recency or hit counts.
func (c *CacheLayer) Has(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Peek(key)
	return ok && !item.Expired(c.now())
}

// Keys lists live keys matching pattern, least recently used first.
func (c *CacheLayer) Keys(_ context.Context, pattern string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys []string
	for _, key := range c.lru.Keys() {
		item, ok := c.lru.Peek(key)
		if !ok || item.Expired(now) {
			continue
		}
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// TTL returns the remaining lifetime of key.
func (c *CacheLayer) TTL(_ context.Context, key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Peek(key)
	if !ok {
		return 0, false
	}
	remaining := item.ExpiresAt.Sub(c.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Touch extends the expiry of a live key. A zero ttl re-applies the
// pipeline's configured TTL.
func (c *CacheLayer) Touch(_ context.Context, key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.lru.Get(key)
	if !ok {
		return false
	}
	now := c.now()
	if item.Expired(now) {
		c.lru.Remove(key)
		c.expirations++
		return false
	}
	item.ExpiresAt = now.Add(c.resolveTTL(item.Metadata.PipelineType, ttl))
	return true
}

// WarmUp loads pre-built items, skipping expired ones, and returns the count loaded.
func (c *CacheLayer) WarmUp(_ context.Context, items []*entities.CachedItem) int {
	now := c.now()
	loaded := 0
	for _, item := range items {
		if item == nil || item.Key == "" || item.Expired(now) {
			continue
		}
		warm := item.Clone()
		if c.cfg.FixedTTL > 0 && warm.ExpiresAt.Sub(now) > c.cfg.FixedTTL {
			warm.ExpiresAt = now.Add(c.cfg.FixedTTL)
		}
		if err := c.put(warm); err != nil {
			log.Warn().Err(err).Str("key", item.Key).Msg("skipping cache warm-up item")
			continue
		}
		loaded++
	}
	return loaded
}

// Stats returns a snapshot of cache counters.
func (c *CacheLayer) Stats() entities.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := entities.CacheStats{
		Items:       c.lru.Len(),
		MemoryBytes: c.memoryBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Ping always succeeds for the in-process cache.
func (c *CacheLayer) Ping(context.Context) error {
	return nil
}

// Shutdown stops the expiry janitor.
func (c *CacheLayer) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purgeExpired removes every expired item and returns the count removed.
func (c *CacheLayer) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if item, ok := c.lru.Peek(key); ok && item.Expired(now) {
			c.lru.Remove(key)
			c.expirations++
			removed++
		}
	}
	return removed
}

func (c *CacheLayer) janitor(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.purgeExpired(); n > 0 {
				log.Debug().Int("removed", n).Msg("expired cache entries purged")
			}
		}
	}
}

var _ ResultCache = (*CacheLayer)(nil)
