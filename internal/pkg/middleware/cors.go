package middleware

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// AllowedOrigin reports whether origin is the campaign domain or one of its
// subdomains.
func AllowedOrigin(origin, domain string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CampaignCORS lets the donation widget on the campaign domain call the
// write endpoints. Requests from any other origin are refused with 403;
// requests without an Origin header pass untouched. Preflights are answered
// directly.
func CampaignCORS(domain string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		origin := c.Get(fiber.HeaderOrigin)
		if origin != "" {
			if !AllowedOrigin(origin, domain) {
				log.Warnf("[CORS] Invalid origin: %s", origin)
				return c.SendStatus(fiber.StatusForbidden)
			}
			c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
			c.Set(fiber.HeaderAccessControlAllowMethods, fiber.MethodPost)
			c.Set(fiber.HeaderAccessControlAllowHeaders, "content-type, origin")
			c.Vary(fiber.HeaderOrigin)
		}
		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusOK)
		}
		return c.Next()
	}
}
