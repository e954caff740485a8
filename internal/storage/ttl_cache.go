package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is applied when Set is called without a positive TTL
const DefaultCacheTTL = 2 * time.Hour

const cacheNamespace = "cache:"

// TTLCache is a key/value cache with per-entry expiry stored in Redis.
// Each value is wrapped in a models.CacheEntry envelope and an entry whose
// ExpiresAt has passed reads as absent even if Redis still holds it.
// The Redis key TTL only lets the server reclaim memory.
//
// Cache failures never fail the caller: writes are logged and dropped.
type TTLCache struct {
	redis      *RedisCache
	defaultTTL time.Duration
	now        func() time.Time
	group      singleflight.Group
	logger     *logging.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats holds hit/miss counters of a TTLCache
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewTTLCache creates a cache over redis; defaultTTL <= 0 uses DefaultCacheTTL
func NewTTLCache(redis *RedisCache, defaultTTL time.Duration) *TTLCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &TTLCache{
		redis:      redis,
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logging.GetGlobalLogger().WithField("component", "ttl_cache"),
	}
}

// SetClock replaces the time source
func (c *TTLCache) SetClock(now func() time.Time) {
	c.now = now
}

// CacheKey joins lower-cased parts with ':'
// Format: <kind>:<param1>:<param2>:...
func CacheKey(kind string, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, kind)
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// Get loads key into dest. It reports false for absent and expired entries.
func (c *TTLCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, cacheNamespace+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if entry.Expired(c.now()) {
		c.misses.Add(1)
		if err := c.redis.Del(ctx, cacheNamespace+key); err != nil {
			c.logger.WithError(err).WithField("key", key).Debug("failed to delete expired entry")
		}
		return false, nil
	}

	if err := json.Unmarshal(entry.Value, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	c.hits.Add(1)
	return true, nil
}

// Set stores value under key for ttl (ttl <= 0 uses the default TTL).
// Failures are logged, never returned.
func (c *TTLCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to marshal cache value")
		return
	}

	now := c.now()
	data, err := json.Marshal(models.CacheEntry{
		Key:       key,
		Value:     raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to marshal cache entry")
		return
	}

	if err := c.redis.Set(ctx, cacheNamespace+key, data, ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to write cache entry")
	}
}

// Clear removes entries. With no argument the whole cache is cleared; an
// argument containing '*' is a glob pattern, anything else a literal key.
func (c *TTLCache) Clear(ctx context.Context, keyOrPattern ...string) error {
	if len(keyOrPattern) == 0 {
		return c.deleteMatching(ctx, cacheNamespace+"*")
	}

	for _, k := range keyOrPattern {
		if !strings.Contains(k, "*") {
			if err := c.redis.Del(ctx, cacheNamespace+k); err != nil {
				return fmt.Errorf("failed to delete cache key %s: %w", k, err)
			}
			continue
		}
		if err := c.deleteMatching(ctx, cacheNamespace+escapeGlob(k)); err != nil {
			return err
		}
	}
	return nil
}

func (c *TTLCache) deleteMatching(ctx context.Context, match string) error {
	keys, err := c.redis.ScanKeys(ctx, match)
	if err != nil {
		return fmt.Errorf("failed to find keys matching pattern: %w", err)
	}
	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		if err := c.redis.Del(ctx, keys[start:end]...); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}
	return nil
}

// Stats returns hit/miss counters
func (c *TTLCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// escapeGlob keeps '*' as the only wildcard of a Redis MATCH pattern
func escapeGlob(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetOrSet returns the cached value for key, calling producer on a miss and
// storing its result for ttl. Producer errors propagate and nothing is stored.
// Concurrent misses for the same key share one producer call.
// A nil cache always calls producer.
func GetOrSet[T any](ctx context.Context, c *TTLCache, key string, ttl time.Duration, producer func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return producer(ctx)
	}

	var cached T
	found, err := c.Get(ctx, key, &cached)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache read failed, recomputing")
	}
	if found {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, value, ttl)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
