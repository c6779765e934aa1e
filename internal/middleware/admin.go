package middleware

import (
	"gasforge/internal/config"

	"github.com/gofiber/fiber/v2"
)

// AdminMiddleware checks if the authenticated user is a superadmin.
func AdminMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(string)
		if !ok || userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		isSuperadmin := false

		// Admin role from JWT claims
		if role, ok := c.Locals("user_role").(string); ok && role == "admin" {
			isSuperadmin = true
		}

		// Also check the explicit superadmin list from env
		if !isSuperadmin && IsSuperadmin(userID, cfg) {
			isSuperadmin = true
		}

		if !isSuperadmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Superadmin access required",
			})
		}

		c.Locals("is_superadmin", true)
		return c.Next()
	}
}

// IsSuperadmin reports whether a user ID is in the superadmin list
func IsSuperadmin(userID string, cfg *config.Config) bool {
	for _, adminID := range cfg.SuperadminUserIDs {
		if adminID == userID {
			return true
		}
	}
	return false
}
