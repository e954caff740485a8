package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T) (*TTLCache, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewTTLCache(NewRedisCacheFromClient(client), time.Hour)
	cache.SetClock(clock.Now)
	return cache, mr, clock
}

func TestTTLCache_SetGet(t *testing.T) {
	cache, _, _ := newTestCache(t)
	ctx := testContext(t)

	cache.Set(ctx, "owned:0xabc:1:20", []string{"1", "7"}, time.Minute)

	var got []string
	found, err := cache.Get(ctx, "owned:0xabc:1:20", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"1", "7"}, got)

	found, err = cache.Get(ctx, "owned:0xabc:2:20", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLCache_ExpiredEntryReadsAsAbsent(t *testing.T) {
	cache, mr, clock := newTestCache(t)
	ctx := testContext(t)

	cache.Set(ctx, "k", "v", time.Minute)
	clock.Advance(time.Minute)

	// Redis has not evicted the key yet, the envelope expiry still wins.
	require.True(t, mr.Exists("cache:k"))

	var got string
	found, err := cache.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("cache:k"), "expired entry should be removed on read")
}

func TestTTLCache_DefaultTTL(t *testing.T) {
	cache, mr, _ := newTestCache(t)
	ctx := testContext(t)

	cache.Set(ctx, "k", 1, 0)
	assert.Equal(t, time.Hour, mr.TTL("cache:k"))
}

func TestTTLCache_SetSwallowsStorageFailure(t *testing.T) {
	cache, mr, _ := newTestCache(t)
	ctx := testContext(t)
	mr.Close()

	assert.NotPanics(t, func() {
		cache.Set(ctx, "k", "v", time.Minute)
	})
}

func TestTTLCache_Clear(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*TTLCache, *miniredis.Miniredis) {
		cache, mr, _ := newTestCache(t)
		cache.Set(ctx, "logs:8453:0xaa:Mint:all:1:10", 1, 0)
		cache.Set(ctx, "logs:8453:0xaa:Transfer:all:1:10", 2, 0)
		cache.Set(ctx, "owned:0xbb:1:20", 3, 0)
		require.NoError(t, mr.Set("unrelated", "x"))
		return cache, mr
	}

	t.Run("literal key", func(t *testing.T) {
		cache, mr := seed(t)
		require.NoError(t, cache.Clear(ctx, "owned:0xbb:1:20"))
		assert.False(t, mr.Exists("cache:owned:0xbb:1:20"))
		assert.True(t, mr.Exists("cache:logs:8453:0xaa:Mint:all:1:10"))
	})

	t.Run("pattern", func(t *testing.T) {
		cache, mr := seed(t)
		require.NoError(t, cache.Clear(ctx, "logs:*"))
		assert.False(t, mr.Exists("cache:logs:8453:0xaa:Mint:all:1:10"))
		assert.False(t, mr.Exists("cache:logs:8453:0xaa:Transfer:all:1:10"))
		assert.True(t, mr.Exists("cache:owned:0xbb:1:20"))
	})

	t.Run("everything in namespace", func(t *testing.T) {
		cache, mr := seed(t)
		require.NoError(t, cache.Clear(ctx))
		assert.Len(t, mr.Keys(), 1)
		assert.True(t, mr.Exists("unrelated"))
	})
}

func TestGetOrSet(t *testing.T) {
	t.Run("hit does not call producer", func(t *testing.T) {
		cache, _, _ := newTestCache(t)
		ctx := testContext(t)
		cache.Set(ctx, "content:0x1", "cached", 0)

		got, err := GetOrSet(ctx, cache, "content:0x1", 0, func(context.Context) (string, error) {
			t.Fatal("producer called on hit")
			return "", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "cached", got)
	})

	t.Run("miss stores producer result", func(t *testing.T) {
		cache, _, _ := newTestCache(t)
		ctx := testContext(t)
		calls := 0
		producer := func(context.Context) (int, error) {
			calls++
			return 42, nil
		}

		for i := 0; i < 3; i++ {
			got, err := GetOrSet(ctx, cache, "answer", time.Minute, producer)
			require.NoError(t, err)
			assert.Equal(t, 42, got)
		}
		assert.Equal(t, 1, calls)
		assert.Equal(t, int64(2), cache.Stats().Hits)
	})

	t.Run("producer error propagates and is not cached", func(t *testing.T) {
		cache, mr, _ := newTestCache(t)
		ctx := testContext(t)
		boom := errors.New("boom")

		_, err := GetOrSet(ctx, cache, "k", 0, func(context.Context) (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, mr.Exists("cache:k"))
	})

	t.Run("expired entry recomputes", func(t *testing.T) {
		cache, _, clock := newTestCache(t)
		ctx := testContext(t)
		n := 0
		producer := func(context.Context) (int, error) { n++; return n, nil }

		first, _ := GetOrSet(ctx, cache, "k", time.Minute, producer)
		clock.Advance(2 * time.Minute)
		second, _ := GetOrSet(ctx, cache, "k", time.Minute, producer)
		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
	})

	t.Run("concurrent misses share one producer call", func(t *testing.T) {
		cache, _, _ := newTestCache(t)
		ctx := testContext(t)
		var calls atomic.Int32
		release := make(chan struct{})

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = GetOrSet(ctx, cache, "slow", 0, func(context.Context) (string, error) {
					calls.Add(1)
					<-release
					return "done", nil
				})
			}(i)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.LessOrEqual(t, calls.Load(), int32(2))
		for _, r := range results {
			assert.Equal(t, "done", r)
		}
	})

	t.Run("nil cache calls producer", func(t *testing.T) {
		got, err := GetOrSet(context.Background(), nil, "k", 0, func(context.Context) (string, error) {
			return "direct", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "direct", got)
	})
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "owned:0xabc:1:20", CacheKey("owned", "0xABC", "1", "20"))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `logs:\[x\]\?*`, escapeGlob("logs:[x]?*"))
}
