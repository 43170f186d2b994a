// Package pledge orchestrates a pledge from request to ledger: validate,
// confirm the payment, record it exactly once, then hand the receipt email
// and the total increment to the job queue.
package pledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/jobqueue"
	"github.com/mayone/pledges/internal/pkg/ledger"
	"github.com/mayone/pledges/internal/pkg/metrics/counter"
	"github.com/mayone/pledges/internal/pkg/nonce"
	"github.com/mayone/pledges/internal/pkg/payment"
)

// Charger confirms single-step card payments.
type Charger interface {
	Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Confirmed, error)
}

// Checkout drives the redirect payment handshake.
type Checkout interface {
	Start(ctx context.Context, req payment.StartRequest, returnURL, cancelURL string) (*payment.StartResult, error)
	FetchDetails(ctx context.Context, token string) (map[string][]string, error)
	Complete(ctx context.Context, token, payerID string) (*payment.Confirmed, error)
}

// Enqueuer schedules side effects. *jobqueue.Queue satisfies it.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Charger  Charger
	Checkout Checkout
	Ledger   ledger.Store
	Counter  counter.Store
	Jobs     Enqueuer
}

type Service struct {
	cfg      *config.Config
	charger  Charger
	checkout Checkout
	ledger   ledger.Store
	counter  counter.Store
	jobs     Enqueuer
}

func NewService(cfg *config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		charger:  deps.Charger,
		checkout: deps.Checkout,
		ledger:   deps.Ledger,
		counter:  deps.Counter,
		jobs:     deps.Jobs,
	}
}

// SubmitRequest is a card pledge. Amount is in cents.
type SubmitRequest struct {
	Email    string               `json:"email" validate:"required,email,max=254"`
	Token    string               `json:"token" validate:"required"`
	Amount   int64                `json:"amount" validate:"gte=1"`
	Name     string               `json:"name" validate:"max=255"`
	Note     string               `json:"note"`
	Userinfo models.DonorMetadata `json:"userinfo"`
}

func (r *SubmitRequest) normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.Token = strings.TrimSpace(r.Token)
	r.Name = strings.TrimSpace(r.Name)
	r.Userinfo = r.Userinfo.Trimmed()
}

// Receipt is the result of recording a pledge. Duplicate is set when the
// payment had already been recorded by an earlier request.
type Receipt struct {
	Pledge    *models.Pledge
	Duplicate bool
}

// SubmitPledge charges the card token and records the pledge. Resubmitting
// a request whose charge the gateway already made returns the existing
// pledge with Duplicate set and schedules no side effects.
func (s *Service) SubmitPledge(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	req.normalize()
	if err := validateStruct(&req); err != nil {
		return nil, err
	}

	confirmed, err := s.charger.Charge(ctx, payment.ChargeRequest{
		Token:       req.Token,
		AmountCents: req.Amount,
		Email:       req.Email,
	})
	if err != nil {
		return nil, err
	}

	p := &models.Pledge{
		IdempotencyToken: confirmed.IdempotencyToken,
		AmountCents:      confirmed.AmountCents,
		Email:            req.Email,
		Name:             req.Name,
		Note:             req.Note,
		DonorMetadata:    req.Userinfo,
		PaymentProvider:  models.ProviderStripe,
		StripeChargeID:   confirmed.ExternalRef,
	}
	return s.record(ctx, p)
}

// record inserts the pledge once and schedules its side effects only for
// the request that created it.
func (s *Service) record(ctx context.Context, p *models.Pledge) (*Receipt, error) {
	if err := p.AssignNonce(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid pledge %s: %w", ErrPersistence, p.IdempotencyToken, err)
	}

	outcome, stored, err := s.ledger.InsertIfAbsent(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if outcome == ledger.AlreadyExists {
		log.Infof("[Pledge] %s already recorded, no side effects scheduled", stored.IdempotencyToken)
		return &Receipt{Pledge: stored, Duplicate: true}, nil
	}

	log.Infof("[Pledge] Recorded %s for %d cents via %s", stored.IdempotencyToken, stored.AmountCents, stored.PaymentProvider)
	s.scheduleSideEffects(ctx, stored)
	return &Receipt{Pledge: stored}, nil
}

// scheduleSideEffects enqueues the receipt and the total increment. The
// pledge is already recorded, so enqueue failures are logged rather than
// returned.
func (s *Service) scheduleSideEffects(ctx context.Context, p *models.Pledge) {
	receipt := jobqueue.ReceiptJobPayload{
		Email:       p.Email,
		Name:        p.Name,
		URLNonce:    p.URLNonce,
		AmountCents: p.AmountCents,
		PledgeToken: p.IdempotencyToken,
	}
	if _, err := s.jobs.EnqueueJob(ctx, jobqueue.JobTypeSendReceipt, receipt.ToMap()); err != nil {
		log.Errorf("[Pledge] Failed to enqueue receipt for %s (%s): %v", p.IdempotencyToken, p.Email, err)
	}

	increment := jobqueue.IncrementTotalJobPayload{
		Counter:     s.cfg.Counter.Name,
		AmountCents: p.AmountCents,
		PledgeToken: p.IdempotencyToken,
	}
	if _, err := s.jobs.EnqueueJob(ctx, jobqueue.JobTypeIncrementTotal, increment.ToMap()); err != nil {
		log.Errorf("[Pledge] CRITICAL: failed to enqueue total increment of %d cents for %s: %v", p.AmountCents, p.IdempotencyToken, err)
	}
}

// GetTotal returns the public running total in cents: the historical
// baselines plus the sharded counter, rounded down to the configured
// granularity.
func (s *Service) GetTotal(ctx context.Context) (int64, error) {
	sum, err := s.counter.Sum(ctx, s.cfg.Counter.Name)
	if err != nil {
		return 0, fmt.Errorf("read total: %w", err)
	}
	total := s.cfg.BaselineTotal() + sum
	if g := s.cfg.Counter.Granularity; g > 0 {
		total = total / g * g
	}
	return total, nil
}

// ProfileByNonce returns the pledge behind a self-service link.
func (s *Service) ProfileByNonce(ctx context.Context, urlNonce string) (*models.Pledge, error) {
	if !nonce.Valid(urlNonce, models.URLNonceLength) {
		return nil, ledger.ErrNotFound
	}
	p, err := s.ledger.FindByNonce(ctx, urlNonce)
	if err != nil {
		return nil, storeError(err)
	}
	return p, nil
}

// UpdateProfile replaces the donor metadata of the pledge behind nonce.
// Nothing else about the pledge can change.
func (s *Service) UpdateProfile(ctx context.Context, urlNonce string, m models.DonorMetadata) (*models.Pledge, error) {
	if !nonce.Valid(urlNonce, models.URLNonceLength) {
		return nil, ledger.ErrNotFound
	}
	m = m.Trimmed()
	if err := validateStruct(&m); err != nil {
		return nil, err
	}
	p, err := s.ledger.UpdateMetadata(ctx, urlNonce, m)
	if err != nil {
		return nil, storeError(err)
	}
	log.Infof("[Pledge] Donor metadata updated for %s", p.IdempotencyToken)
	return p, nil
}

func storeError(err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
