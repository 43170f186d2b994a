package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/mayone/pledges/app/controllers"
	"github.com/mayone/pledges/internal/pkg/config"
	"github.com/mayone/pledges/internal/pkg/constants"
	"github.com/mayone/pledges/internal/pkg/middleware"
)

// AdminRouter serves the operator API and metrics behind basic auth.
type AdminRouter struct {
	cfg  *config.Config
	jobs *controllers.JobsController
}

func NewAdminRouter(cfg *config.Config, jobs *controllers.JobsController) *AdminRouter {
	return &AdminRouter{cfg: cfg, jobs: jobs}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	auth := middleware.RequireOperator(h.cfg.HTTP)

	// fiber metrics
	app.Get(constants.RouteMetrics, auth, monitor.New(monitor.Config{Title: h.cfg.AppName + " metrics"}))

	adminGroup := app.Group(constants.AdminGroup, auth)
	adminGroup.Get(constants.RouteAdminJobs, h.jobs.HandleAdminJobs)
	adminGroup.Get(constants.RouteAdminDead, h.jobs.HandleAdminDeadJobs)
	adminGroup.Post(constants.RouteAdminRequeue, h.jobs.HandleAdminRequeueJob)
}
