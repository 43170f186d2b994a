package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mayone/pledges/app/controllers"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/constants"
	"github.com/mayone/pledges/internal/pkg/middleware"
)

// PledgeRouter serves the public widget endpoints.
type PledgeRouter struct {
	cfg     *config.Config
	pledges *controllers.PledgeController
	storage fiber.Storage
}

// NewPledgeRouter wires the public routes. storage backs the rate limiter;
// nil keeps it in memory.
func NewPledgeRouter(cfg *config.Config, pledges *controllers.PledgeController, storage fiber.Storage) *PledgeRouter {
	return &PledgeRouter{cfg: cfg, pledges: pledges, storage: storage}
}

func (h PledgeRouter) InstallRouter(app *fiber.App) {
	cors := middleware.CampaignCORS(h.cfg.HTTP.CORSAllowedDomain)
	limit := middleware.WriteLimiter(h.cfg.HTTP, h.storage)

	// Widget write endpoints
	for path, handler := range map[string]fiber.Handler{
		constants.RoutePledge:         h.pledges.HandlePledge,
		constants.RoutePayPalStart:    h.pledges.HandlePayPalStart,
		constants.RoutePayPalDetails:  h.pledges.HandlePayPalDetails,
		constants.RoutePayPalComplete: h.pledges.HandlePayPalComplete,
	} {
		app.Options(path, cors)
		app.Post(path, cors, limit, handler)
	}

	// Reads
	app.Get(constants.RouteTotal, h.pledges.HandleTotal)
	app.Get(constants.RouteStripePublicKey, h.pledges.HandleStripePublicKey)

	// Donor self-service
	app.Get(constants.RouteUserUpdate, h.pledges.HandleUserUpdate)
	app.Post(constants.RouteUserUpdate, limit, h.pledges.HandleUserUpdatePost)
}
