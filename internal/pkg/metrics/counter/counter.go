// Package counter implements sharded counters: a logical counter is split
// into N independent shards so concurrent writers never contend on a single
// row or key. Reads sum the shards without locking them as a set, so a sum is
// a best-effort snapshot.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
)

var ErrInvalidDelta = errors.New("counter delta must be positive")

// Store is a keyed set of sharded counters.
type Store interface {
	// Increment adds delta to one shard of name.
	Increment(ctx context.Context, name string, delta int64) error
	// Sum reads every shard of name independently and returns their total.
	Sum(ctx context.Context, name string) (int64, error)
}

// ShardPicker returns a shard index in [0, n). It must not depend on the
// request, only on a uniform source, so load spreads evenly.
type ShardPicker func(n int) int

// RandomShard picks uniformly at random.
func RandomShard(n int) int {
	return rand.Intn(n)
}

func validate(name string, delta int64) error {
	if name == "" {
		return errors.New("counter name is required")
	}
	if delta <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	return nil
}

func normalizeShards(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
