// Package payment turns gateway-specific payment handshakes into a single
// Confirmed event. Nothing in this package writes to the ledger; callers
// record the pledge after a Confirmed is returned.
package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mayone/pledges/app/models"
)

var (
	ErrPaymentDeclined     = errors.New("payment declined")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrUnknownToken        = errors.New("unknown checkout token")
	ErrHandshakeInProgress = errors.New("checkout completion already in progress")
	ErrPayerMismatch       = errors.New("payer does not match checkout")
)

// PledgeDescription is shown on card statements and the PayPal review page.
const PledgeDescription = "Pledge to MayDay One PAC"

// Confirmed is the canonical result of a successful payment.
type Confirmed struct {
	Provider         string
	ExternalRef      string
	IdempotencyToken string
	AmountCents      int64
	PayerEmail       string

	// Redirect flow only.
	Token    string
	PayerID  string
	Snapshot *Snapshot
}

// StripeIdempotencyToken derives the ledger key for a card charge.
func StripeIdempotencyToken(chargeID string) string {
	return fmt.Sprintf("%s:%s", models.ProviderStripe, chargeID)
}

// PayPalIdempotencyToken derives the ledger key for an express checkout.
func PayPalIdempotencyToken(token, payerID string) string {
	return fmt.Sprintf("%s:%s:%s", models.ProviderPayPal, token, payerID)
}

// FormatAmount renders cents the way NVP expects ("27.00").
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// DollarsToCents converts a dollar amount to cents. Fractions of a cent are
// rejected.
func DollarsToCents(d decimal.Decimal) (int64, error) {
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s has fractional cents", d.String())
	}
	return cents.IntPart(), nil
}
