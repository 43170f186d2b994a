package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayone/pledges/internal/pkg/config"
)

func newStripeServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "2700", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		lastKey.Store(r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastKey
}

func stripeRequest() ChargeRequest {
	return ChargeRequest{
		Token:          "tok_1",
		AmountCents:    2700,
		Email:          "a@b.com",
		Description:    PledgeDescription,
		IdempotencyKey: "pledge-tok_1",
	}
}

func TestStripeGateway_CreateCharge(t *testing.T) {
	srv, lastKey := newStripeServer(t, http.StatusOK,
		`{"id":"ch_1","object":"charge","amount":2700,"currency":"usd","status":"succeeded"}`)
	gw := NewStripeGateway(config.StripeConfig{PrivateKey: "sk_test_123", APIURL: srv.URL}, 5*time.Second)

	ch, err := gw.CreateCharge(context.Background(), stripeRequest())
	require.NoError(t, err)
	assert.Equal(t, "ch_1", ch.ID)
	assert.Equal(t, int64(2700), ch.AmountCents)
	assert.Equal(t, "pledge-tok_1", lastKey.Load())
}

func TestStripeGateway_CardDeclined(t *testing.T) {
	srv, _ := newStripeServer(t, http.StatusPaymentRequired,
		`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	gw := NewStripeGateway(config.StripeConfig{PrivateKey: "sk_test_123", APIURL: srv.URL}, 5*time.Second)

	_, err := gw.CreateCharge(context.Background(), stripeRequest())
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Contains(t, err.Error(), "Your card was declined.")
}

func TestStripeGateway_ServerError(t *testing.T) {
	srv, _ := newStripeServer(t, http.StatusInternalServerError,
		`{"error":{"type":"api_error","message":"Something went wrong"}}`)
	gw := NewStripeGateway(config.StripeConfig{PrivateKey: "sk_test_123", APIURL: srv.URL}, 5*time.Second)

	_, err := gw.CreateCharge(context.Background(), stripeRequest())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.NotErrorIs(t, err, ErrPaymentDeclined)
}
