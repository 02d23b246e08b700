package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

// StoreWarmer loads entries from a shared store into the local tier.
type StoreWarmer interface {
	WarmFromStore(ctx context.Context, pattern string) int
}

// CacheWarmingService preloads the in-process tier with results other
// instances already computed, one pipeline at a time in priority order.
type CacheWarmingService struct {
	cache     StoreWarmer
	keyPrefix string
	settings  map[entities.PipelineType]PipelineSettings
}

// NewCacheWarmingService creates a new cache warming service
func NewCacheWarmingService(cache StoreWarmer, keyPrefix string, settings map[entities.PipelineType]PipelineSettings) *CacheWarmingService {
	if keyPrefix == "" {
		keyPrefix = DefaultCacheKeyPrefix
	}
	return &CacheWarmingService{
		cache:     cache,
		keyPrefix: keyPrefix,
		settings:  settings,
	}
}

// WarmCache loads every enabled pipeline's shared results and returns the
// count per pipeline.
func (s *CacheWarmingService) WarmCache(ctx context.Context) map[entities.PipelineType]int {
	start := time.Now()
	loaded := make(map[entities.PipelineType]int)
	total := 0

	for _, ps := range EnabledByPriority(s.settings, nil) {
		if ctx.Err() != nil {
			break
		}
		n := 0
		for _, pattern := range GenerateCachePatterns(s.keyPrefix, CachePatternParams{PipelineType: ps.PipelineType}) {
			n += s.cache.WarmFromStore(ctx, pattern)
		}
		loaded[ps.PipelineType] = n
		total += n
	}

	log.Info().
		Int("loaded", total).
		Dur("duration", time.Since(start)).
		Msg("cache warming completed")
	return loaded
}

// StartPeriodicWarming warms once, then again every interval until ctx is done.
func (s *CacheWarmingService) StartPeriodicWarming(ctx context.Context, interval time.Duration) {
	s.WarmCache(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopping cache warming service")
				return
			case <-ticker.C:
				s.WarmCache(ctx)
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("started periodic cache warming")
}
