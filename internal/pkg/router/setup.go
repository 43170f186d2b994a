package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mayone/pledges/internal/pkg/config"
)

// OpenAPIPath is the OpenAPI document served under /docs/api.
const OpenAPIPath = "public/docs/v1/openapi.yml"

type Router interface {
	InstallRouter(app *fiber.App)
}

// NewApplication builds the Fiber app with the shared middleware and
// installs the given routers.
func NewApplication(cfg *config.Config, routers ...Router) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   cfg.AppName,
		BodyLimit: 64 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat(OpenAPIPath); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: OpenAPIPath,
			Path:     "v1",
			Title:    cfg.AppName + " pledge API",
		}))
	} else {
		log.Warnf("[Router] %s not found, API docs disabled", OpenAPIPath)
	}

	InstallRouter(app, routers...)
	return app
}

func InstallRouter(app *fiber.App, routers ...Router) {
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
