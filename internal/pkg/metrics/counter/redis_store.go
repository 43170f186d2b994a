package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "counter:"

// RedisStore keeps each shard in its own string key and uses INCRBY, which
// is atomic per key.
type RedisStore struct {
	client redis.Cmdable
	shards int
	pick   ShardPicker
}

func NewRedisStore(client redis.Cmdable, shards int, pick ShardPicker) *RedisStore {
	if pick == nil {
		pick = RandomShard
	}
	return &RedisStore{client: client, shards: normalizeShards(shards), pick: pick}
}

func shardKey(name string, shard int) string {
	return fmt.Sprintf("%s%s:%d", redisKeyPrefix, name, shard)
}

func (s *RedisStore) Increment(ctx context.Context, name string, delta int64) error {
	if err := validate(name, delta); err != nil {
		return err
	}
	key := shardKey(name, s.pick(s.shards))
	if err := s.client.IncrBy(ctx, key, delta).Err(); err != nil {
		return fmt.Errorf("incrby %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Sum(ctx context.Context, name string) (int64, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, s.shards)
	for i := 0; i < s.shards; i++ {
		cmds[i] = pipe.Get(ctx, shardKey(name, i))
	}
	// Missing shards come back as redis.Nil; those count as zero.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read shards of %s: %w", name, err)
	}

	var total int64
	for i, cmd := range cmds {
		v, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read shard %d of %s: %w", i, name, err)
		}
		total += v
	}
	return total, nil
}
