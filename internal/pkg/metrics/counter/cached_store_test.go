package counter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	sums atomic.Int32
}

func (c *countingStore) Sum(ctx context.Context, name string) (int64, error) {
	c.sums.Add(1)
	return c.Store.Sum(ctx, name)
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	mr, client := newTestRedis(t)
	inner := &countingStore{Store: NewRedisStore(client, 4, nil)}
	store := NewCachedStore(inner, client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Increment(ctx, "TOTAL", 500))

	for i := 0; i < 3; i++ {
		sum, err := store.Sum(ctx, "TOTAL")
		require.NoError(t, err)
		assert.Equal(t, int64(500), sum)
	}
	assert.Equal(t, int32(1), inner.sums.Load())

	// An increment drops the cached value.
	require.NoError(t, store.Increment(ctx, "TOTAL", 200))
	assert.False(t, mr.Exists(sumCachePrefix+"TOTAL"))
	sum, err := store.Sum(ctx, "TOTAL")
	require.NoError(t, err)
	assert.Equal(t, int64(700), sum)
	assert.Equal(t, int32(2), inner.sums.Load())

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(sumCachePrefix+"TOTAL"))
}

func TestCachedStore_DisabledWithoutTTL(t *testing.T) {
	_, client := newTestRedis(t)
	inner := NewRedisStore(client, 4, nil)
	assert.Same(t, inner, NewCachedStore(inner, client, 0))
}
