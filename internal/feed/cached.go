package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by a Cache when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized feed batches for a short time
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache adapts a go-redis client to Cache
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a Cache backed by redis
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

const cacheKey = "shop:feed:recent"

// CachedFeed collapses concurrent fetches into a single explorer request and
// reuses the result for ttl. A zero ttl disables the cache but keeps the
// request collapsing. Empty batches are never cached.
type CachedFeed struct {
	next  Fetcher
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewCachedFeed wraps next. cache may be nil.
func NewCachedFeed(next Fetcher, cache Cache, ttl time.Duration) *CachedFeed {
	return &CachedFeed{next: next, cache: cache, ttl: ttl}
}

func (f *CachedFeed) FetchRecent(ctx context.Context) []domain.Transfer {
	if transfers, ok := f.lookup(ctx); ok {
		return transfers
	}

	v, _, _ := f.group.Do(cacheKey, func() (any, error) {
		// detach from the first caller so its cancellation does not fail the
		// other callers sharing this request
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
		defer cancel()

		transfers := f.next.FetchRecent(fetchCtx)
		f.store(fetchCtx, transfers)
		return transfers, nil
	})
	transfers, _ := v.([]domain.Transfer)
	return transfers
}

func (f *CachedFeed) lookup(ctx context.Context) ([]domain.Transfer, bool) {
	if f.cache == nil || f.ttl <= 0 {
		return nil, false
	}
	b, err := f.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			slog.WarnContext(ctx, "feed cache read failed", "error", err)
		}
		return nil, false
	}
	var transfers []domain.Transfer
	if err := json.Unmarshal(b, &transfers); err != nil {
		slog.WarnContext(ctx, "feed cache entry undecodable", "error", err)
		return nil, false
	}
	return transfers, true
}

func (f *CachedFeed) store(ctx context.Context, transfers []domain.Transfer) {
	if f.cache == nil || f.ttl <= 0 || len(transfers) == 0 {
		return
	}
	b, err := json.Marshal(transfers)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, cacheKey, b, f.ttl); err != nil {
		slog.WarnContext(ctx, "feed cache write failed", "error", err)
	}
}
