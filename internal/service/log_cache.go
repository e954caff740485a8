package service

import (
	"context"
	"strconv"
	"time"

	"github.com/market-sync/internal/adapter"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

// DefaultLogTTL is how long a fetched historical log range stays cached
const DefaultLogTTL = 24 * time.Hour

// LogCache memoizes decoded log ranges. Historical ranges are immutable, so
// entries are never invalidated before they expire.
type LogCache struct {
	cache *storage.TTLCache
	ttl   time.Duration
}

// NewLogCache creates a log cache over cache; a nil cache disables caching
func NewLogCache(cache *storage.TTLCache, ttl time.Duration) *LogCache {
	if ttl <= 0 {
		ttl = DefaultLogTTL
	}
	return &LogCache{cache: cache, ttl: ttl}
}

// LogCacheKey renders the cache key of a log query:
// logs:<chain>:<contract>:<event>:<arg>=<value>|all:<from>:<to>
func LogCacheKey(q adapter.LogQuery, chainID types.ChainID) string {
	filter := "all"
	if q.FilterArg != "" && q.FilterValue != "" {
		filter = q.FilterArg + "=" + q.FilterValue
	}
	return storage.CacheKey("logs",
		strconv.FormatInt(int64(chainID), 10),
		q.Contract,
		q.EventName,
		filter,
		strconv.FormatUint(q.FromBlock, 10),
		strconv.FormatUint(q.ToBlock, 10),
	)
}

// GetLogsWithCache returns the decoded logs of q, fetching and caching them on a miss
func (c *LogCache) GetLogsWithCache(ctx context.Context, client adapter.ChainClient, q adapter.LogQuery, chainID types.ChainID) ([]types.DecodedEvent, error) {
	var cache *storage.TTLCache
	if c != nil {
		cache = c.cache
	}
	ttl := DefaultLogTTL
	if c != nil {
		ttl = c.ttl
	}

	return storage.GetOrSet(ctx, cache, LogCacheKey(q, chainID), ttl,
		func(ctx context.Context) ([]types.DecodedEvent, error) {
			logs, err := client.FilterLogs(ctx, q)
			if err != nil {
				return nil, err
			}
			decoded, err := client.DecodeLogs(q.ABIName, logs)
			if err != nil {
				return nil, err
			}
			if decoded == nil {
				decoded = []types.DecodedEvent{}
			}
			return decoded, nil
		})
}
