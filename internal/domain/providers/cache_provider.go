package providers

import (
	"context"
	"time"
)

// SharedCacheStore defines the interface for the shared (second tier) cache.
// Implementations must treat a missing key as a miss, not an error.
type SharedCacheStore interface {
	// Get retrieves a value; found is false on a miss
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value with expiration
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys
	Delete(ctx context.Context, keys ...string) error

	// Keys lists keys matching a glob pattern
	Keys(ctx context.Context, pattern string) ([]string, error)

	// DeletePattern removes every key matching a glob pattern
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// TTL returns the remaining time to live; found is false when the key is absent
	TTL(ctx context.Context, key string) (ttl time.Duration, found bool, err error)

	// Expire resets the time to live of a key
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error
}
