package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"

	"github.com/mayone/pledges/internal/pkg/config"
)

// RequireOperator guards the admin API and metrics with basic auth.
// ADMIN_PASSWORD may be a bcrypt hash or a plain secret. With no password
// configured every request is refused.
func RequireOperator(cfg config.HTTPConfig) fiber.Handler {
	if cfg.AdminPassword == "" {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Admin access is not configured"})
		}
	}
	return basicauth.New(basicauth.Config{
		Realm: "Operator",
		Authorizer: func(user, pass string) bool {
			ok := OperatorAuthorized(cfg.AdminUser, cfg.AdminPassword, user, pass)
			if !ok {
				log.Warnf("[Admin] Rejected operator login for %q", user)
			}
			return ok
		},
	})
}

// OperatorAuthorized checks a credential pair against the configured user
// and password or bcrypt hash.
func OperatorAuthorized(wantUser, wantPassword, user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 {
		return false
	}
	if isBcryptHash(wantPassword) {
		return bcrypt.CompareHashAndPassword([]byte(wantPassword), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(wantPassword)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
