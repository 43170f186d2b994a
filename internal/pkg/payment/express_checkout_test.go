package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/config"
)

// fakePayPal emulates the three NVP methods of express checkout.
type fakePayPal struct {
	mu          sync.Mutex
	nextToken   int
	captured    map[string]string
	captures    int
	captureAmts []string
	declineNext bool
	noEmail     bool
	details     int
	lastStart   url.Values
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := url.Values{}
	switch r.PostForm.Get("METHOD") {
	case "SetExpressCheckout":
		f.nextToken++
		f.lastStart = r.PostForm
		resp.Set("ACK", "Success")
		resp.Set("TOKEN", fmt.Sprintf("EC-%d", f.nextToken))
	case "GetExpressCheckoutDetails":
		token := r.PostForm.Get("TOKEN")
		resp.Set("ACK", "Success")
		resp.Set("TOKEN", token)
		f.details++
		resp.Set("PAYERID", "PAYER1")
		if !f.noEmail {
			resp.Set("EMAIL", "payer@example.com")
		}
		if txn, ok := f.captured[token]; ok {
			resp.Set("PAYMENTREQUEST_0_TRANSACTIONID", txn)
		}
	case "DoExpressCheckoutPayment":
		token := r.PostForm.Get("TOKEN")
		switch {
		case f.declineNext:
			f.declineNext = false
			resp.Set("ACK", "Failure")
			resp.Set("L_ERRORCODE0", "10417")
			resp.Set("L_LONGMESSAGE0", "Instruct the customer to use an alternative payment method")
		case f.captured[token] != "":
			resp.Set("ACK", "Failure")
			resp.Set("L_ERRORCODE0", "10415")
			resp.Set("L_LONGMESSAGE0", "A successful transaction has already been completed for this token")
		default:
			f.captures++
			f.captureAmts = append(f.captureAmts, r.PostForm.Get("PAYMENTREQUEST_0_AMT"))
			txn := fmt.Sprintf("TXN-%d", f.captures)
			f.captured[token] = txn
			resp.Set("ACK", "Success")
			resp.Set("PAYMENTINFO_0_TRANSACTIONID", txn)
		}
	default:
		resp.Set("ACK", "Failure")
	}
	_, _ = w.Write([]byte(resp.Encode()))
}

type checkoutFixture struct {
	adapter *ExpressCheckoutAdapter
	paypal  *fakePayPal
	store   *RedisHandshakeStore
	redis   *miniredis.Miniredis
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	pp := &fakePayPal{captured: map[string]string{}}
	srv := httptest.NewServer(pp)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisHandshakeStore(client, time.Hour)
	nvp := NewNVPClient(config.PayPalConfig{User: "u", Password: "p", Signature: "s", APIURL: srv.URL}, 2*time.Second)
	return &checkoutFixture{
		adapter: NewExpressCheckoutAdapter(nvp, store, "https://paypal.test/webscr", "MayDay PAC"),
		paypal:  pp,
		store:   store,
		redis:   mr,
	}
}

func startRequest(cents int64) StartRequest {
	return StartRequest{
		AmountCents: cents,
		Email:       "a@b.com",
		Userinfo: models.DonorMetadata{
			Occupation: "eng", Employer: "x", Phone: "555", Target: "y",
		},
	}
}

func TestExpressCheckout_FullFlow(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	res, err := f.adapter.Start(ctx, startRequest(2700), "https://app/paypal-return", "https://app/pledge")
	require.NoError(t, err)
	assert.Equal(t, "EC-1", res.Token)
	assert.Equal(t, "https://paypal.test/webscr?cmd=_express-checkout&token=EC-1", res.RedirectURL)
	assert.Equal(t, "27.00", f.paypal.lastStart.Get("PAYMENTREQUEST_0_AMT"))
	assert.Equal(t, "1", f.paypal.lastStart.Get("NOSHIPPING"))
	assert.Equal(t, "Authorization", f.paypal.lastStart.Get("PAYMENTREQUEST_0_PAYMENTACTION"))

	st, err := f.store.Load(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, StageInitiated, st.Stage)
	assert.Equal(t, int64(2700), st.Snapshot.AmountCents)

	details, err := f.adapter.FetchDetails(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"PAYER1"}, details["PAYERID"])

	st, err = f.store.Load(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, StageDetailsFetched, st.Stage)
	assert.Equal(t, "PAYER1", st.PayerID)

	c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "paypal", c.Provider)
	assert.Equal(t, "TXN-1", c.ExternalRef)
	assert.Equal(t, "paypal:EC-1:PAYER1", c.IdempotencyToken)
	assert.Equal(t, int64(2700), c.AmountCents)
	assert.Equal(t, "a@b.com", c.PayerEmail)
	assert.Equal(t, []string{"27.00"}, f.paypal.captureAmts)
}

func TestExpressCheckout_ShippingForLargePledges(t *testing.T) {
	f := newCheckoutFixture(t)
	_, err := f.adapter.Start(context.Background(), startRequest(10000), "r", "c")
	require.NoError(t, err)
	assert.Equal(t, "0", f.paypal.lastStart.Get("NOSHIPPING"))
	assert.Equal(t, "1", f.paypal.lastStart.Get("REQCONFIRMSHIPPING"))
}

func TestExpressCheckout_DoubleCompleteCapturesOnce(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)

	first, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	second, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.paypal.captures)
}

func TestExpressCheckout_ConcurrentCompletes(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens = map[string]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
			if err != nil {
				assert.ErrorIs(t, err, ErrHandshakeInProgress)
				return
			}
			mu.Lock()
			tokens[c.IdempotencyToken]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.paypal.captures)
	assert.Len(t, tokens, 1)

	c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "TXN-1", c.ExternalRef)
}

func TestExpressCheckout_ClaimHeldElsewhere(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)

	ok, err := f.store.Claim(ctx, "EC-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.adapter.Complete(ctx, "EC-1", "PAYER1")
	assert.ErrorIs(t, err, ErrHandshakeInProgress)
	assert.Zero(t, f.paypal.captures)
}

func TestExpressCheckout_DeclineReleasesClaim(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)

	f.paypal.declineNext = true
	_, err = f.adapter.Complete(ctx, "EC-1", "PAYER1")
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.False(t, f.redis.Exists("paypal:capture:EC-1"))

	c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "TXN-1", c.ExternalRef)
}

// TestExpressCheckout_RecoversAlreadyCaptured covers a capture that reached
// PayPal but whose state was never saved.
func TestExpressCheckout_RecoversAlreadyCaptured(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)
	f.paypal.captured["EC-1"] = "TXN-EARLIER"

	c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "TXN-EARLIER", c.ExternalRef)
	assert.Zero(t, f.paypal.captures)
}

func TestExpressCheckout_UnknownToken(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	_, err := f.adapter.FetchDetails(ctx, "EC-NOPE")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = f.adapter.Complete(ctx, "EC-NOPE", "PAYER1")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestExpressCheckout_PayerMismatch(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)
	_, err = f.adapter.FetchDetails(ctx, "EC-1")
	require.NoError(t, err)

	_, err = f.adapter.Complete(ctx, "EC-1", "SOMEONE-ELSE")
	assert.ErrorIs(t, err, ErrPayerMismatch)
	_, err = f.adapter.Complete(ctx, "EC-1", "")
	assert.ErrorIs(t, err, ErrPayerMismatch)
	assert.Zero(t, f.paypal.captures)
}

func TestExpressCheckout_DetailsAfterConfirmKeepsStage(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	_, err := f.adapter.Start(ctx, startRequest(2700), "r", "c")
	require.NoError(t, err)
	_, err = f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)

	_, err = f.adapter.FetchDetails(ctx, "EC-1")
	require.NoError(t, err)
	st, err := f.store.Load(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, StageConfirmed, st.Stage)
}

func TestRedisHandshakeStore_RejectsStaleSave(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	st := &HandshakeState{Token: "EC-9", Stage: StageConfirmed, TransactionID: "TXN-9"}
	require.NoError(t, f.store.Save(ctx, st))

	stale := &HandshakeState{Token: "EC-9", Stage: StageDetailsFetched}
	assert.ErrorIs(t, f.store.Save(ctx, stale), ErrStaleHandshake)

	loaded, err := f.store.Load(ctx, "EC-9")
	require.NoError(t, err)
	assert.Equal(t, "TXN-9", loaded.TransactionID)

	f.redis.FastForward(2 * time.Hour)
	_, err = f.store.Load(ctx, "EC-9")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

// TestExpressCheckout_CompleteWithoutDetails tests that a checkout started
// without an email still confirms with the payer's address when the caller
// skips the details step
func TestExpressCheckout_CompleteWithoutDetails(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	req := startRequest(2700)
	req.Email = ""
	_, err := f.adapter.Start(ctx, req, "r", "c")
	require.NoError(t, err)

	c, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "payer@example.com", c.PayerEmail)
	assert.Equal(t, 1, f.paypal.captures)
	assert.Equal(t, 1, f.paypal.details)

	again, err := f.adapter.Complete(ctx, "EC-1", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, c, again)
	assert.Equal(t, 1, f.paypal.captures)
	assert.Equal(t, 1, f.paypal.details)
}

func TestExpressCheckout_CompleteWithoutAnyEmail(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	req := startRequest(2700)
	req.Email = ""
	_, err := f.adapter.Start(ctx, req, "r", "c")
	require.NoError(t, err)
	f.paypal.noEmail = true

	_, err = f.adapter.Complete(ctx, "EC-1", "PAYER1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Zero(t, f.paypal.captures)
	assert.False(t, f.redis.Exists("paypal:capture:EC-1"))
}

// TestExpressCheckout_ConfirmedWithoutEmailIsRepaired tests that a checkout
// confirmed before its payer email was known recovers the address without a
// second capture
func TestExpressCheckout_ConfirmedWithoutEmailIsRepaired(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.Save(ctx, &HandshakeState{
		Token:         "EC-OLD",
		Stage:         StageConfirmed,
		Snapshot:      Snapshot{AmountCents: 2700},
		PayerID:       "PAYER1",
		TransactionID: "TXN-OLD",
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	c, err := f.adapter.Complete(ctx, "EC-OLD", "PAYER1")
	require.NoError(t, err)
	assert.Equal(t, "payer@example.com", c.PayerEmail)
	assert.Equal(t, "TXN-OLD", c.ExternalRef)
	assert.Zero(t, f.paypal.captures)

	st, err := f.store.Load(ctx, "EC-OLD")
	require.NoError(t, err)
	assert.Equal(t, StageConfirmed, st.Stage)
	assert.Equal(t, "payer@example.com", st.PayerEmail)
}
