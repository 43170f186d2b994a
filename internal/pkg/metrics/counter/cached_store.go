package counter

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const sumCachePrefix = "counter:cache:"

// CachedStore serves Sum from a short-lived cache entry so a hot public
// total endpoint does not read every shard on every request. Cache failures
// fall through to the underlying store.
type CachedStore struct {
	Store
	client redis.Cmdable
	ttl    time.Duration
}

// NewCachedStore wraps inner. A non-positive ttl disables caching and
// returns inner unchanged.
func NewCachedStore(inner Store, client redis.Cmdable, ttl time.Duration) Store {
	if ttl <= 0 {
		return inner
	}
	return &CachedStore{Store: inner, client: client, ttl: ttl}
}

func (s *CachedStore) Increment(ctx context.Context, name string, delta int64) error {
	if err := s.Store.Increment(ctx, name, delta); err != nil {
		return err
	}
	if err := s.client.Del(ctx, sumCachePrefix+name).Err(); err != nil {
		log.Warnf("[Counter] Failed to invalidate cached sum of %s: %v", name, err)
	}
	return nil
}

func (s *CachedStore) Sum(ctx context.Context, name string) (int64, error) {
	key := sumCachePrefix + name
	v, err := s.client.Get(ctx, key).Int64()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Warnf("[Counter] Cached sum of %s unavailable: %v", name, err)
	}

	total, err := s.Store.Sum(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := s.client.Set(ctx, key, total, s.ttl).Err(); err != nil {
		log.Warnf("[Counter] Failed to cache sum of %s: %v", name, err)
	}
	return total, nil
}
