package controllers

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/ledger"
	"github.com/mayone/pledges/internal/pkg/payment"
	"github.com/mayone/pledges/internal/pkg/pledge"
)

// jsonpCallback limits callbacks to dotted JavaScript identifiers.
var jsonpCallback = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)

// PledgeController serves the donation widget endpoints.
type PledgeController struct {
	cfg     *config.Config
	pledges *pledge.Service
}

func NewPledgeController(cfg *config.Config, pledges *pledge.Service) *PledgeController {
	return &PledgeController{cfg: cfg, pledges: pledges}
}

// HandlePledge records a card pledge (POST /pledge.do)
func (pc *PledgeController) HandlePledge(c *fiber.Ctx) error {
	var req pledge.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		log.Warnf("[Pledge] Bad JSON request from %s: %v", c.IP(), err)
		return c.Status(fiber.StatusBadRequest).SendString("Invalid request")
	}

	receipt, err := pc.pledges.SubmitPledge(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	if receipt.Duplicate {
		log.Infof("[Pledge] Duplicate submission for %s acknowledged", receipt.Pledge.IdempotencyToken)
	}
	return c.SendString("Ok.")
}

// HandlePayPalStart opens a PayPal checkout (POST /paypal.start)
func (pc *PledgeController) HandlePayPalStart(c *fiber.Ctx) error {
	var req pledge.StartRedirectRequest
	if err := c.BodyParser(&req); err != nil {
		log.Warnf("[PayPal] Bad JSON request from %s: %v", c.IP(), err)
		return c.Status(fiber.StatusBadRequest).SendString("Invalid request")
	}

	result, err := pc.pledges.StartRedirect(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"redirect": result.RedirectURL})
}

// HandlePayPalDetails returns the checkout details for review (POST /paypal.details)
func (pc *PledgeController) HandlePayPalDetails(c *fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid request")
	}

	details, err := pc.pledges.FetchRedirectDetails(c.UserContext(), req.Token)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(details)
}

// HandlePayPalComplete captures the checkout and books the pledge (POST /paypal.complete)
func (pc *PledgeController) HandlePayPalComplete(c *fiber.Ctx) error {
	req := pledge.CompleteRequest{
		Token:   c.FormValue("token"),
		PayerID: c.FormValue("payer_id"),
		Name:    c.FormValue("name"),
		Note:    c.FormValue("note"),
	}
	if req.Token == "" {
		log.Warnf("[PayPal] Completion missing token: %s", c.OriginalURL())
		return c.Status(fiber.StatusBadRequest).SendString("Unusual error: no token from Paypal. Please contact us and report these details: " + c.OriginalURL())
	}

	if _, err := pc.pledges.CompleteRedirect(c.UserContext(), req); err != nil {
		return respondError(c, err)
	}
	return c.Redirect(pc.cfg.HTTP.ThankYouPath, fiber.StatusFound)
}

// HandleTotal returns the running total as JSONP (GET /total)
func (pc *PledgeController) HandleTotal(c *fiber.Ctx) error {
	callback := c.Query("callback")
	if callback != "" && !jsonpCallback.MatchString(callback) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid callback")
	}

	total, err := pc.pledges.GetTotal(c.UserContext())
	if err != nil {
		log.Errorf("[Pledge] Failed to read total: %v", err)
		return c.Status(fiber.StatusInternalServerError).SendString("Internal error")
	}

	c.Set(fiber.HeaderContentType, "application/javascript")
	return c.SendString(fmt.Sprintf("%s(%d)", callback, total))
}

// HandleStripePublicKey returns the publishable key for the card form
func (pc *PledgeController) HandleStripePublicKey(c *fiber.Ctx) error {
	if pc.cfg.Stripe.PublicKey == "" {
		log.Error("[Stripe] No public key configured")
		return c.Status(fiber.StatusInternalServerError).SendString("Internal error")
	}
	return c.SendString(pc.cfg.Stripe.PublicKey)
}

// profileView is what a donor sees behind their self-service link.
type profileView struct {
	Email       string               `json:"email"`
	Name        string               `json:"name,omitempty"`
	AmountCents int64                `json:"amount_cents"`
	Userinfo    models.DonorMetadata `json:"userinfo"`
	Success     bool                 `json:"success,omitempty"`
}

func newProfileView(p *models.Pledge) profileView {
	return profileView{
		Email:       p.Email,
		Name:        p.Name,
		AmountCents: p.AmountCents,
		Userinfo:    p.DonorMetadata,
	}
}

// HandleUserUpdate shows the donor metadata (GET /user-update/:nonce)
func (pc *PledgeController) HandleUserUpdate(c *fiber.Ctx) error {
	p, err := pc.pledges.ProfileByNonce(c.UserContext(), c.Params("nonce"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(newProfileView(p))
}

// HandleUserUpdatePost changes the donor metadata (POST /user-update/:nonce)
func (pc *PledgeController) HandleUserUpdatePost(c *fiber.Ctx) error {
	var m models.DonorMetadata
	if err := c.BodyParser(&m); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("There was a problem submitting the form")
	}

	p, err := pc.pledges.UpdateProfile(c.UserContext(), c.Params("nonce"), m)
	if err != nil {
		return respondError(c, err)
	}
	view := newProfileView(p)
	view.Success = true
	return c.JSON(view)
}

// respondError maps service errors to status codes. Client mistakes get the
// diagnostic; infrastructure failures get a generic body and a log line.
func respondError(c *fiber.Ctx, err error) error {
	var verr *pledge.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).SendString(verr.Error())
	case errors.Is(err, payment.ErrPaymentDeclined),
		errors.Is(err, payment.ErrUnknownToken),
		errors.Is(err, payment.ErrPayerMismatch):
		log.Infof("[Pledge] Rejected %s: %v", c.Path(), err)
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	case errors.Is(err, payment.ErrHandshakeInProgress):
		return c.Status(fiber.StatusConflict).SendString("Your payment is being processed, please wait a moment and reload")
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(fiber.StatusNotFound).SendString("This page was not found")
	case errors.Is(err, payment.ErrGatewayUnavailable):
		log.Warnf("[Pledge] Gateway unavailable on %s: %v", c.Path(), err)
		return c.Status(fiber.StatusBadGateway).SendString("Payment provider unavailable, please try again")
	case errors.Is(err, pledge.ErrPersistence):
		log.Errorf("[Pledge] Persistence failure on %s: %v", c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).SendString("Internal error")
	}
	log.Errorf("[Pledge] Unexpected error on %s: %v", c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).SendString("Internal error")
}
