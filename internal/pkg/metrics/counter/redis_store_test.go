package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// TestRedisStore_ConcurrentIncrementsSum checks that no increment is lost
// under concurrent writers.
func TestRedisStore_ConcurrentIncrementsSum(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, 20, nil)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Increment(ctx, "TOTAL", 2700))
		}()
	}
	wg.Wait()

	sum, err := store.Sum(ctx, "TOTAL")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*2700), sum)

	keys := mr.Keys()
	assert.LessOrEqual(t, len(keys), 20)
	for _, k := range keys {
		assert.Contains(t, k, "counter:TOTAL:")
	}
}

// TestRedisStore_EmptyCounter tests that a never-written counter sums to zero
func TestRedisStore_EmptyCounter(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, 5, nil)

	sum, err := store.Sum(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

// TestRedisStore_PicksShard tests the shard key written by the picker
func TestRedisStore_PicksShard(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, 5, func(n int) int { return 3 })

	require.NoError(t, store.Increment(context.Background(), "TOTAL", 100))
	v, err := mr.Get("counter:TOTAL:3")
	require.NoError(t, err)
	assert.Equal(t, "100", v)
}

func TestRedisStore_RejectsNonPositiveDelta(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, 5, nil)

	for _, d := range []int64{0, -1} {
		err := store.Increment(context.Background(), "TOTAL", d)
		assert.ErrorIs(t, err, ErrInvalidDelta)
	}
}

func TestRandomShard_InRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		s := RandomShard(20)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 20)
	}
}
