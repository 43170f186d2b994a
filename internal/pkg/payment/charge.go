package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/app/models"
)

type ChargeRequest struct {
	Token          string
	AmountCents    int64
	Email          string
	Description    string
	IdempotencyKey string
}

type Charge struct {
	ID          string
	AmountCents int64
}

// ChargeGateway creates a single charge against a one-time card token.
type ChargeGateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// TokenChargeAdapter is the single-step card flow: one gateway call, no
// local state.
type TokenChargeAdapter struct {
	gateway ChargeGateway
}

func NewTokenChargeAdapter(gateway ChargeGateway) *TokenChargeAdapter {
	return &TokenChargeAdapter{gateway: gateway}
}

// Charge charges the card token. The gateway idempotency key is derived from
// the token, so a client retry with the same token cannot charge twice.
func (a *TokenChargeAdapter) Charge(ctx context.Context, req ChargeRequest) (*Confirmed, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("%w: missing card token", ErrPaymentDeclined)
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrPaymentDeclined)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "pledge-" + req.Token
	}
	if req.Description == "" {
		req.Description = PledgeDescription
	}

	ch, err := a.gateway.CreateCharge(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrPaymentDeclined) && !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	amount := ch.AmountCents
	if amount == 0 {
		amount = req.AmountCents
	}
	if amount != req.AmountCents {
		log.Warnf("[Stripe] Charge %s amount %d differs from requested %d", ch.ID, amount, req.AmountCents)
	}

	return &Confirmed{
		Provider:         models.ProviderStripe,
		ExternalRef:      ch.ID,
		IdempotencyToken: StripeIdempotencyToken(ch.ID),
		AmountCents:      amount,
		PayerEmail:       req.Email,
	}, nil
}
