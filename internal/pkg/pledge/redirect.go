package pledge

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/payment"
)

// ReturnPath is where PayPal sends the donor back after approving.
const ReturnPath = "/paypal-return"

// StartRedirectRequest opens a PayPal checkout. Amount is in whole dollars,
// as the donation widget sends it.
type StartRedirectRequest struct {
	Amount   decimal.Decimal      `json:"amount"`
	Email    string               `json:"email" validate:"omitempty,email,max=254"`
	Name     string               `json:"name" validate:"max=255"`
	Note     string               `json:"note"`
	Userinfo models.DonorMetadata `json:"userinfo"`
}

// CompleteRequest is the final confirmation posted by the donor. Amount,
// email and metadata are taken from the checkout snapshot, so only the
// optional name and note are read from it.
type CompleteRequest struct {
	Token   string
	PayerID string
	Name    string
	Note    string
}

// StartRedirect validates the pledge and opens a checkout with the amount
// and donor metadata snapshotted for completion.
func (s *Service) StartRedirect(ctx context.Context, req StartRedirectRequest) (*payment.StartResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	req.Userinfo = req.Userinfo.Trimmed()

	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	cents, err := payment.DollarsToCents(req.Amount)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Reason: "is invalid"}
	}
	if err := validateStruct(&req); err != nil {
		return nil, err
	}

	returnURL := s.cfg.PublicURL + ReturnPath
	cancelURL := s.cfg.PublicURL + s.cfg.HTTP.CancelPath
	return s.checkout.Start(ctx, payment.StartRequest{
		AmountCents: cents,
		Email:       req.Email,
		Name:        req.Name,
		Note:        req.Note,
		Userinfo:    req.Userinfo,
	}, returnURL, cancelURL)
}

// FetchRedirectDetails returns PayPal's view of the checkout for the
// confirmation page.
func (s *Service) FetchRedirectDetails(ctx context.Context, token string) (map[string][]string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &ValidationError{Field: "token", Reason: "is missing"}
	}
	return s.checkout.FetchDetails(ctx, token)
}

// CompleteRedirect captures the checkout and records the pledge. Repeating
// it for a captured checkout returns the recorded pledge with Duplicate set.
func (s *Service) CompleteRedirect(ctx context.Context, req CompleteRequest) (*Receipt, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.PayerID = strings.TrimSpace(req.PayerID)
	if req.Token == "" {
		return nil, &ValidationError{Field: "token", Reason: "is missing"}
	}
	if req.PayerID == "" {
		return nil, &ValidationError{Field: "payer_id", Reason: "is missing"}
	}

	confirmed, err := s.checkout.Complete(ctx, req.Token, req.PayerID)
	if err != nil {
		return nil, err
	}

	var snap payment.Snapshot
	if confirmed.Snapshot != nil {
		snap = *confirmed.Snapshot
	}
	name := snap.Name
	if name == "" {
		name = strings.TrimSpace(req.Name)
	}
	note := snap.Note
	if note == "" {
		note = req.Note
	}

	p := &models.Pledge{
		IdempotencyToken:    confirmed.IdempotencyToken,
		AmountCents:         confirmed.AmountCents,
		Email:               confirmed.PayerEmail,
		Name:                name,
		Note:                note,
		DonorMetadata:       snap.Userinfo,
		PaymentProvider:     models.ProviderPayPal,
		PaypalTransactionID: confirmed.ExternalRef,
		PaypalToken:         confirmed.Token,
		PaypalPayerID:       confirmed.PayerID,
	}
	return s.record(ctx, p)
}
