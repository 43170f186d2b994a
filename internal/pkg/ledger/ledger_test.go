package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayone/pledges/app/models"
)

func testPledge(token, nonce string) *models.Pledge {
	return &models.Pledge{
		IdempotencyToken: token,
		AmountCents:      2700,
		Email:            "a@b.com",
		Name:             "Ada",
		DonorMetadata: models.DonorMetadata{
			Occupation: "Engineer",
			Employer:   "Acme",
			Phone:      "555-0100",
			Target:     "Everyone",
		},
		PaymentProvider: models.ProviderStripe,
		StripeChargeID:  "ch_1",
		URLNonce:        nonce,
	}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("insert then duplicate", func(t *testing.T) {
		outcome, stored, err := store.InsertIfAbsent(ctx, testPledge("stripe:ch_1", "nonce1"))
		require.NoError(t, err)
		assert.Equal(t, Created, outcome)
		assert.Equal(t, int64(2700), stored.AmountCents)

		dup := testPledge("stripe:ch_1", "nonce-other")
		dup.AmountCents = 9999
		outcome, stored, err = store.InsertIfAbsent(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, AlreadyExists, outcome)
		assert.Equal(t, int64(2700), stored.AmountCents, "first write wins")
		assert.Equal(t, "nonce1", stored.URLNonce)
	})

	t.Run("lookup", func(t *testing.T) {
		p, err := store.Lookup(ctx, "stripe:ch_1")
		require.NoError(t, err)
		assert.Equal(t, "a@b.com", p.Email)

		_, err = store.Lookup(ctx, "stripe:missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find by nonce and update metadata", func(t *testing.T) {
		p, err := store.FindByNonce(ctx, "nonce1")
		require.NoError(t, err)
		assert.Equal(t, "stripe:ch_1", p.IdempotencyToken)

		updated, err := store.UpdateMetadata(ctx, "nonce1", models.DonorMetadata{
			Occupation: "Teacher", Employer: "School", Phone: "555-0199", Target: "Congress",
		})
		require.NoError(t, err)
		assert.Equal(t, "Teacher", updated.Occupation)
		assert.Equal(t, "Congress", updated.Target)
		assert.Equal(t, int64(2700), updated.AmountCents)
		assert.Equal(t, "ch_1", updated.StripeChargeID)

		_, err = store.FindByNonce(ctx, "unknown")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.UpdateMetadata(ctx, "unknown", models.DonorMetadata{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent inserts of one token create exactly once", func(t *testing.T) {
		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcome, _, err := store.InsertIfAbsent(ctx, testPledge("paypal:EC-1:PAYER", fmt.Sprintf("n%d", i)))
				assert.NoError(t, err)
				if outcome == Created {
					created.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	_, stored, err := store.InsertIfAbsent(context.Background(), testPledge("stripe:ch_9", "n9"))
	require.NoError(t, err)

	stored.AmountCents = 1
	p, err := store.Lookup(context.Background(), "stripe:ch_9")
	require.NoError(t, err)
	assert.Equal(t, int64(2700), p.AmountCents)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "already_exists", AlreadyExists.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
