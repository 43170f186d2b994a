package pledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/payment"
)

// fakeNVP answers the three Express Checkout calls.
type fakeNVP struct {
	mu       sync.Mutex
	captures int
	start    url.Values
}

func (f *fakeNVP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := url.Values{"ACK": {"Success"}}
	switch r.PostForm.Get("METHOD") {
	case "SetExpressCheckout":
		f.start = r.PostForm
		resp.Set("TOKEN", "EC-1")
	case "GetExpressCheckoutDetails":
		resp.Set("TOKEN", r.PostForm.Get("TOKEN"))
		resp.Set("PAYERID", "PAYER1")
		resp.Set("EMAIL", "payer@paypal.test")
	case "DoExpressCheckoutPayment":
		f.captures++
		resp.Set("PAYMENTINFO_0_TRANSACTIONID", "TXN1")
	default:
		resp.Set("ACK", "Failure")
	}
	_, _ = w.Write([]byte(resp.Encode()))
}

func newRedirectFixture(t *testing.T) (*fixture, *fakeNVP) {
	t.Helper()
	f := newFixture(t)
	nvp := &fakeNVP{}
	srv := httptest.NewServer(nvp)
	t.Cleanup(srv.Close)

	client := payment.NewNVPClient(config.PayPalConfig{User: "u", Password: "p", Signature: "s", APIURL: srv.URL}, 2*time.Second)
	store := payment.NewRedisHandshakeStore(f.client, time.Hour)
	f.svc.checkout = payment.NewExpressCheckoutAdapter(client, store, "https://paypal.test/webscr", "MayDay PAC")
	return f, nvp
}

func validStart() StartRedirectRequest {
	return StartRedirectRequest{
		Amount: decimal.NewFromInt(27),
		Email:  "a@b.com",
		Userinfo: models.DonorMetadata{
			Occupation: "Engineer",
			Employer:   "Acme",
			Phone:      "555-0100",
			Target:     "Whatever",
		},
	}
}

func TestRedirect_FullFlow(t *testing.T) {
	f, nvp := newRedirectFixture(t)
	ctx := context.Background()

	before, err := f.svc.GetTotal(ctx)
	require.NoError(t, err)

	start, err := f.svc.StartRedirect(ctx, validStart())
	require.NoError(t, err)
	assert.Equal(t, "https://paypal.test/webscr?cmd=_express-checkout&token=EC-1", start.RedirectURL)
	assert.Equal(t, "27.00", nvp.start.Get("PAYMENTREQUEST_0_AMT"))
	assert.Equal(t, "https://pledge.test/paypal-return", nvp.start.Get("RETURNURL"))
	assert.Equal(t, "https://pledge.test/pledge", nvp.start.Get("CANCELURL"))

	details, err := f.svc.FetchRedirectDetails(ctx, "EC-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"PAYER1"}, details["PAYERID"])

	receipt, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1", Name: "Ada", Note: "keep going"})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	p := receipt.Pledge
	assert.Equal(t, "paypal:EC-1:PAYER1", p.IdempotencyToken)
	assert.Equal(t, int64(2700), p.AmountCents)
	assert.Equal(t, "a@b.com", p.Email)
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "keep going", p.Note)
	assert.Equal(t, "Engineer", p.Occupation)
	assert.Equal(t, "TXN1", p.PaypalTransactionID)
	assert.Equal(t, models.ProviderPayPal, p.PaymentProvider)

	assert.Equal(t, 2, f.drain(t))
	after, err := f.svc.GetTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+2700, after)
}

// TestRedirect_DoubleComplete tests that a repeated confirmation captures
// and records once
func TestRedirect_DoubleComplete(t *testing.T) {
	f, nvp := newRedirectFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartRedirect(ctx, validStart())
	require.NoError(t, err)
	_, err = f.svc.FetchRedirectDetails(ctx, "EC-1")
	require.NoError(t, err)

	first, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1"})
	require.NoError(t, err)
	second, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1"})
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, nvp.captures)
	assert.Equal(t, 1, f.ledger.Len())
	assert.Equal(t, 2, f.drain(t))
}

func TestRedirect_PayerEmailFallback(t *testing.T) {
	f, _ := newRedirectFixture(t)
	ctx := context.Background()

	req := validStart()
	req.Email = ""
	_, err := f.svc.StartRedirect(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.FetchRedirectDetails(ctx, "EC-1")
	require.NoError(t, err)

	receipt, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1"})
	require.NoError(t, err)
	assert.Equal(t, "payer@paypal.test", receipt.Pledge.Email)
}

// TestRedirect_CompleteWithoutDetails tests the return leg when the widget
// already holds the payer id and never asked for the checkout details
func TestRedirect_CompleteWithoutDetails(t *testing.T) {
	f, nvp := newRedirectFixture(t)
	ctx := context.Background()

	req := validStart()
	req.Email = ""
	_, err := f.svc.StartRedirect(ctx, req)
	require.NoError(t, err)

	receipt, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1"})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, "payer@paypal.test", receipt.Pledge.Email)
	assert.Equal(t, 1, f.ledger.Len())

	again, err := f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1", PayerID: "PAYER1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, f.ledger.Len())
	assert.Equal(t, 1, nvp.captures)
}

func TestStartRedirect_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *StartRedirectRequest)
		field  string
	}{
		{"Zero amount", func(r *StartRedirectRequest) { r.Amount = decimal.Zero }, "amount"},
		{"Negative amount", func(r *StartRedirectRequest) { r.Amount = decimal.NewFromInt(-5) }, "amount"},
		{"Fractional cents", func(r *StartRedirectRequest) { r.Amount = decimal.RequireFromString("1.005") }, "amount"},
		{"Bad email", func(r *StartRedirectRequest) { r.Email = "not-an-email" }, "email"},
		{"Missing target", func(r *StartRedirectRequest) { r.Userinfo.Target = "" }, "userinfo.target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, nvp := newRedirectFixture(t)
			req := validStart()
			tt.modify(&req)

			_, err := f.svc.StartRedirect(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Nil(t, nvp.start)
		})
	}
}

func TestRedirect_MissingFields(t *testing.T) {
	f, _ := newRedirectFixture(t)
	ctx := context.Background()

	_, err := f.svc.FetchRedirectDetails(ctx, " ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "token", verr.Field)

	_, err = f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payer_id", verr.Field)

	_, err = f.svc.CompleteRedirect(ctx, CompleteRequest{Token: "EC-unknown", PayerID: "P"})
	assert.ErrorIs(t, err, payment.ErrUnknownToken)

	_, err = f.svc.FetchRedirectDetails(ctx, "EC-unknown")
	assert.ErrorIs(t, err, payment.ErrUnknownToken)
	assert.True(t, strings.HasPrefix((&ValidationError{Field: "x", Reason: "y"}).Error(), "Invalid request:"))
}
