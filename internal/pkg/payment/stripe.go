package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/mayone/pledges/internal/pkg/config"
)

// StripeGateway implements ChargeGateway with the Stripe charges API.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(cfg config.StripeConfig, timeout time.Duration) *StripeGateway {
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     stripeLogger{},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}
	return &StripeGateway{api: client.New(cfg.PrivateKey, backends)}
}

func (g *StripeGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.ChargeParams{
		Amount:       stripe.Int64(req.AmountCents),
		Currency:     stripe.String(string(stripe.CurrencyUSD)),
		Description:  stripe.String(req.Description),
		ReceiptEmail: stripe.String(req.Email),
	}
	if err := params.SetSource(req.Token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("email", req.Email)

	ch, err := g.api.Charges.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	log.Infof("[Stripe] Charge %s created for %d cents", ch.ID, ch.Amount)
	return &Charge{ID: ch.ID, AmountCents: ch.Amount}, nil
}

// classifyStripeError separates problems with the card or request, which
// the donor can fix, from gateway outages.
func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	switch serr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return fmt.Errorf("%w: %s", ErrPaymentDeclined, serr.Msg)
	}
	return fmt.Errorf("%w: stripe %s (status %d): %s", ErrGatewayUnavailable, serr.Type, serr.HTTPStatusCode, serr.Msg)
}

// stripeLogger routes stripe-go logging into the application log.
type stripeLogger struct{}

func (stripeLogger) Debugf(format string, v ...interface{}) { log.Debugf("[Stripe] "+format, v...) }
func (stripeLogger) Infof(format string, v ...interface{})  { log.Debugf("[Stripe] "+format, v...) }
func (stripeLogger) Warnf(format string, v ...interface{})  { log.Warnf("[Stripe] "+format, v...) }
func (stripeLogger) Errorf(format string, v ...interface{}) { log.Errorf("[Stripe] "+format, v...) }
