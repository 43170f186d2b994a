package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/mayone/pledges/internal/pkg/config"
)

// WriteLimiter throttles the pledge write endpoints per client IP. A nil
// storage keeps counters in process memory.
func WriteLimiter(cfg config.HTTPConfig, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Storage:    storage,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Warnf("[RateLimit] %s exceeded the limit on %s", c.IP(), c.Path())
			return c.Status(fiber.StatusTooManyRequests).SendString("Too many requests, please try again later")
		},
	})
}
