package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/app/models"
)

// Pledges below this amount skip the PayPal shipping address step.
const shippingThresholdCents = 5000

type StartRequest struct {
	AmountCents int64
	Email       string
	Name        string
	Note        string
	Userinfo    models.DonorMetadata
}

type StartResult struct {
	Token       string
	RedirectURL string
}

// ExpressCheckoutAdapter drives the three-step PayPal redirect flow:
// Start (SetExpressCheckout), FetchDetails (GetExpressCheckoutDetails) and
// Complete (DoExpressCheckoutPayment). State between steps lives in the
// HandshakeStore and only ever moves forward.
type ExpressCheckoutAdapter struct {
	nvp         NVPCaller
	store       HandshakeStore
	checkoutURL string
	brandName   string
}

func NewExpressCheckoutAdapter(nvp NVPCaller, store HandshakeStore, checkoutURL, brandName string) *ExpressCheckoutAdapter {
	return &ExpressCheckoutAdapter{
		nvp:         nvp,
		store:       store,
		checkoutURL: checkoutURL,
		brandName:   brandName,
	}
}

func (a *ExpressCheckoutAdapter) Start(ctx context.Context, req StartRequest, returnURL, cancelURL string) (*StartResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrPaymentDeclined)
	}
	amount := FormatAmount(req.AmountCents)

	custom := url.Values{}
	custom.Set("occupation", req.Userinfo.Occupation)
	custom.Set("employer", req.Userinfo.Employer)
	custom.Set("phone", req.Userinfo.Phone)
	custom.Set("target", req.Userinfo.Target)

	noShipping, confirmShipping := "1", "0"
	if req.AmountCents >= shippingThresholdCents {
		noShipping, confirmShipping = "0", "1"
	}

	fields := url.Values{}
	fields.Set("RETURNURL", returnURL)
	fields.Set("CANCELURL", cancelURL)
	fields.Set("NOSHIPPING", noShipping)
	fields.Set("REQCONFIRMSHIPPING", confirmShipping)
	fields.Set("PAYMENTREQUEST_0_AMT", amount)
	fields.Set("PAYMENTREQUEST_0_CURRENCYCODE", "USD")
	fields.Set("PAYMENTREQUEST_0_PAYMENTACTION", "Authorization")
	fields.Set("PAYMENTREQUEST_0_CUSTOM", custom.Encode())
	fields.Set("PAYMENTREQUEST_0_NAME", PledgeDescription)
	fields.Set("PAYMENTREQUEST_0_QTY", "1")
	fields.Set("L_PAYMENTREQUEST_0_NAME0", PledgeDescription)
	fields.Set("L_PAYMENTREQUEST_0_AMT0", amount)
	fields.Set("L_PAYMENTREQUEST_0_QTY0", "1")
	fields.Set("SOLUTIONTYPE", "Sole")
	if a.brandName != "" {
		fields.Set("BRANDNAME", a.brandName)
	}
	if req.Email != "" {
		fields.Set("EMAIL", req.Email)
	}

	vals, err := a.nvp.Call(ctx, "SetExpressCheckout", fields)
	if err != nil {
		return nil, err
	}
	token := vals.Get("TOKEN")
	if token == "" {
		return nil, fmt.Errorf("%w: paypal SetExpressCheckout returned no TOKEN", ErrGatewayUnavailable)
	}

	now := time.Now()
	st := &HandshakeState{
		Token: token,
		Stage: StageInitiated,
		Snapshot: Snapshot{
			AmountCents: req.AmountCents,
			Email:       req.Email,
			Name:        req.Name,
			Note:        req.Note,
			Userinfo:    req.Userinfo,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Save(ctx, st); err != nil {
		return nil, err
	}

	log.Infof("[PayPal] Checkout %s started for %s", token, amount)
	return &StartResult{
		Token:       token,
		RedirectURL: a.redirectURL(token),
	}, nil
}

func (a *ExpressCheckoutAdapter) redirectURL(token string) string {
	q := url.Values{}
	q.Set("cmd", "_express-checkout")
	q.Set("token", token)
	return a.checkoutURL + "?" + q.Encode()
}

// FetchDetails returns PayPal's view of the checkout so the donor can review
// it. It records the payer and may be called any number of times.
func (a *ExpressCheckoutAdapter) FetchDetails(ctx context.Context, token string) (map[string][]string, error) {
	st, err := a.store.Load(ctx, token)
	if err != nil {
		return nil, err
	}

	fields := url.Values{}
	fields.Set("TOKEN", token)
	vals, err := a.nvp.Call(ctx, "GetExpressCheckoutDetails", fields)
	if err != nil {
		return nil, err
	}

	if st.Stage.rank() < StageConfirmed.rank() {
		recordPayer(st, vals)
		st.advance(StageDetailsFetched)
		if err := a.store.Save(ctx, st); err != nil && !errors.Is(err, ErrStaleHandshake) {
			return nil, err
		}
	}
	return vals, nil
}

func recordPayer(st *HandshakeState, vals url.Values) {
	if payerID := vals.Get("PAYERID"); payerID != "" && st.PayerID == "" {
		st.PayerID = payerID
	}
	if email := vals.Get("EMAIL"); email != "" {
		st.PayerEmail = email
	}
}

// resolvePayer makes sure a contact email is known before the pledge is
// confirmed. A checkout started without an email and completed without a
// details call reads it from PayPal.
func (a *ExpressCheckoutAdapter) resolvePayer(ctx context.Context, st *HandshakeState) error {
	if st.Snapshot.Email != "" || st.PayerEmail != "" {
		return nil
	}

	fields := url.Values{}
	fields.Set("TOKEN", st.Token)
	vals, err := a.nvp.Call(ctx, "GetExpressCheckoutDetails", fields)
	if err != nil {
		return err
	}
	recordPayer(st, vals)
	if st.PayerEmail == "" {
		return fmt.Errorf("%w: paypal reported no payer email for %s", ErrGatewayUnavailable, st.Token)
	}

	st.advance(StageDetailsFetched)
	if err := a.store.Save(ctx, st); err != nil && !errors.Is(err, ErrStaleHandshake) {
		return err
	}
	return nil
}

// Complete captures the payment. A checkout that is already confirmed
// returns the same result without calling PayPal again; a capture running
// concurrently yields ErrHandshakeInProgress.
func (a *ExpressCheckoutAdapter) Complete(ctx context.Context, token, payerID string) (*Confirmed, error) {
	if payerID == "" {
		return nil, fmt.Errorf("%w: missing payer id", ErrPayerMismatch)
	}
	st, err := a.store.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := a.resolvePayer(ctx, st); err != nil {
		return nil, err
	}
	if st.PayerID != "" && st.PayerID != payerID {
		return nil, ErrPayerMismatch
	}
	if st.Stage == StageConfirmed {
		return confirmedFrom(st), nil
	}

	claimed, err := a.store.Claim(ctx, token)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrHandshakeInProgress
	}

	txnID, err := a.capture(ctx, st, payerID)
	if err != nil {
		if rerr := a.store.Release(ctx, token); rerr != nil {
			log.Warnf("[PayPal] Failed to release capture claim for %s: %v", token, rerr)
		}
		return nil, err
	}

	st.PayerID = payerID
	st.TransactionID = txnID
	st.advance(StageConfirmed)
	if err := a.store.Save(ctx, st); err != nil {
		if !errors.Is(err, ErrStaleHandshake) {
			// The money moved; the caller can still record the pledge.
			log.Errorf("[PayPal] Checkout %s captured as %s but state not saved: %v", token, txnID, err)
		}
	}

	log.Infof("[PayPal] Checkout %s captured as transaction %s", token, txnID)
	return confirmedFrom(st), nil
}

// capture runs DoExpressCheckoutPayment with the snapshot amount. If PayPal
// reports the token as already captured the transaction id is read back from
// the checkout details.
func (a *ExpressCheckoutAdapter) capture(ctx context.Context, st *HandshakeState, payerID string) (string, error) {
	fields := url.Values{}
	fields.Set("TOKEN", st.Token)
	fields.Set("PAYERID", payerID)
	fields.Set("PAYMENTREQUEST_0_PAYMENTACTION", "Authorization")
	fields.Set("PAYMENTREQUEST_0_AMT", FormatAmount(st.Snapshot.AmountCents))
	fields.Set("PAYMENTREQUEST_0_CURRENCYCODE", "USD")
	fields.Set("PAYMENTREQUEST_0_NAME", PledgeDescription)
	fields.Set("PAYMENTREQUEST_0_QTY", "1")

	vals, err := a.nvp.Call(ctx, "DoExpressCheckoutPayment", fields)
	if err == nil {
		txnID := vals.Get("PAYMENTINFO_0_TRANSACTIONID")
		if txnID == "" {
			return "", fmt.Errorf("%w: paypal returned no transaction id for %s", ErrGatewayUnavailable, st.Token)
		}
		return txnID, nil
	}

	var nerr *NVPError
	if !errors.As(err, &nerr) || !nerr.Duplicate() {
		log.Warnf("[PayPal] DoExpressCheckoutPayment failed for %s: %v", st.Token, err)
		return "", err
	}

	log.Warnf("[PayPal] Checkout %s was already captured, recovering transaction id", st.Token)
	details := url.Values{}
	details.Set("TOKEN", st.Token)
	dvals, derr := a.nvp.Call(ctx, "GetExpressCheckoutDetails", details)
	if derr != nil {
		return "", derr
	}
	txnID := dvals.Get("PAYMENTREQUEST_0_TRANSACTIONID")
	if txnID == "" {
		return "", fmt.Errorf("%w: checkout %s captured but transaction id unknown", ErrGatewayUnavailable, st.Token)
	}
	return txnID, nil
}

func confirmedFrom(st *HandshakeState) *Confirmed {
	email := st.Snapshot.Email
	if email == "" {
		email = st.PayerEmail
	}
	snap := st.Snapshot
	return &Confirmed{
		Provider:         models.ProviderPayPal,
		ExternalRef:      st.TransactionID,
		IdempotencyToken: PayPalIdempotencyToken(st.Token, st.PayerID),
		AmountCents:      snap.AmountCents,
		PayerEmail:       email,
		Token:            st.Token,
		PayerID:          st.PayerID,
		Snapshot:         &snap,
	}
}
