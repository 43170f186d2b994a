package pledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayone/pledges/internal/pkg/jobqueue"
	"github.com/mayone/pledges/internal/pkg/metrics/counter"
)

// TestJobHandlers_RedeliveryAppliesOnce tests that a job delivered twice
// credits the total and sends the receipt once
func TestJobHandlers_RedeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	increment := jobqueue.IncrementTotalJobPayload{Counter: "TOTAL", AmountCents: 2700, PledgeToken: "stripe:ch_1"}
	receipt := jobqueue.ReceiptJobPayload{Email: "a@b.com", URLNonce: "n", AmountCents: 2700, PledgeToken: "stripe:ch_1"}
	for i := 0; i < 2; i++ {
		_, err := f.queue.EnqueueJob(ctx, jobqueue.JobTypeIncrementTotal, increment.ToMap())
		require.NoError(t, err)
		_, err = f.queue.EnqueueJob(ctx, jobqueue.JobTypeSendReceipt, receipt.ToMap())
		require.NoError(t, err)
	}
	assert.Equal(t, 4, f.drain(t))

	sum, err := f.counter.Sum(ctx, "TOTAL")
	require.NoError(t, err)
	assert.Equal(t, int64(2700), sum)
	assert.Len(t, f.receipts.sent, 1)
}

type flakyCounter struct {
	counter.Store
	failures int
}

func (c *flakyCounter) Increment(ctx context.Context, name string, delta int64) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("shard write timeout")
	}
	return c.Store.Increment(ctx, name, delta)
}

func TestJobHandlers_IncrementFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyCounter{Store: f.counter, failures: 1}
	q := jobqueue.NewQueue(f.client, jobqueue.Options{MaxRetries: 3})
	RegisterJobHandlers(q, flaky, f.receipts)

	_, err := q.EnqueueJob(ctx, jobqueue.JobTypeIncrementTotal,
		jobqueue.IncrementTotalJobPayload{Counter: "TOTAL", AmountCents: 500, PledgeToken: "stripe:ch_2"}.ToMap())
	require.NoError(t, err)

	_, err = q.ProcessNext(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	n, err := q.PromoteDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = q.ProcessNext(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	sum, err := f.counter.Sum(ctx, "TOTAL")
	require.NoError(t, err)
	assert.Equal(t, int64(500), sum)
}
