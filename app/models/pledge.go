package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mayone/pledges/internal/pkg/nonce"
)

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"

	URLNonceLength = 32
)

// validate is shared so struct metadata is parsed once per type.
var validate = validator.New()

// DonorMetadata holds the FEC-style fields every pledge must carry. They are
// the only pledge fields a donor may change after creation.
type DonorMetadata struct {
	Occupation string `gorm:"type:varchar(255);not null" json:"occupation" form:"occupation" dynamodbav:"occupation" validate:"required,max=255"`
	Employer   string `gorm:"type:varchar(255);not null" json:"employer" form:"employer" dynamodbav:"employer" validate:"required,max=255"`
	Phone      string `gorm:"type:varchar(64);not null" json:"phone" form:"phone" dynamodbav:"phone" validate:"required,max=64"`
	Target     string `gorm:"type:varchar(255);not null" json:"target" form:"target" dynamodbav:"target" validate:"required,max=255"`
}

// Pledge is one confirmed donation. IdempotencyToken is derived from the
// payment confirmation, never from the request, so every retry of the same
// real-world payment maps to the same row.
type Pledge struct {
	IdempotencyToken string `gorm:"primaryKey;type:varchar(191)" json:"-" dynamodbav:"idempotency_token" validate:"required,max=191"`
	AmountCents      int64  `gorm:"not null" json:"amount_cents" dynamodbav:"amount_cents" validate:"gte=1"`
	Email            string `gorm:"type:varchar(254);not null;index" json:"email" dynamodbav:"email" validate:"required,email,max=254"`
	Name             string `gorm:"type:varchar(255)" json:"name,omitempty" dynamodbav:"name,omitempty" validate:"max=255"`
	Note             string `gorm:"type:text" json:"note,omitempty" dynamodbav:"note,omitempty"`

	DonorMetadata `gorm:"embedded"`

	PaymentProvider     string `gorm:"type:varchar(16);not null;index" json:"payment_provider" dynamodbav:"payment_provider" validate:"oneof=stripe paypal"`
	StripeChargeID      string `gorm:"type:varchar(191)" json:"-" dynamodbav:"stripe_charge_id,omitempty"`
	PaypalTransactionID string `gorm:"type:varchar(191)" json:"-" dynamodbav:"paypal_transaction_id,omitempty"`
	PaypalToken         string `gorm:"type:varchar(191)" json:"-" dynamodbav:"paypal_token,omitempty"`
	PaypalPayerID       string `gorm:"type:varchar(64)" json:"-" dynamodbav:"paypal_payer_id,omitempty"`

	URLNonce  string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"-" dynamodbav:"url_nonce" validate:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at" dynamodbav:"updated_at"`
}

func (Pledge) TableName() string { return "pledges" }

// PaymentRef returns the gateway reference of whichever provider confirmed
// the payment.
func (p *Pledge) PaymentRef() string {
	switch p.PaymentProvider {
	case ProviderStripe:
		return p.StripeChargeID
	case ProviderPayPal:
		return p.PaypalTransactionID
	}
	return ""
}

// AssignNonce sets a fresh unguessable URL nonce if none is present.
func (p *Pledge) AssignNonce() error {
	if p.URLNonce != "" {
		return nil
	}
	n, err := nonce.New(URLNonceLength)
	if err != nil {
		return err
	}
	p.URLNonce = n
	return nil
}

func (p *Pledge) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.PaymentRef() == "" {
		return fmt.Errorf("pledge %s has no payment reference", p.IdempotencyToken)
	}
	return nil
}

// Trimmed returns a copy of m with surrounding whitespace removed.
func (m DonorMetadata) Trimmed() DonorMetadata {
	return DonorMetadata{
		Occupation: strings.TrimSpace(m.Occupation),
		Employer:   strings.TrimSpace(m.Employer),
		Phone:      strings.TrimSpace(m.Phone),
		Target:     strings.TrimSpace(m.Target),
	}
}

func (m DonorMetadata) Validate() error {
	return validate.Struct(m)
}
