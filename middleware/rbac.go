package middleware

import (
	"github.com/casbin/casbin/v2"
	"github.com/gofiber/fiber/v2"
)

// RBAC enforces the casbin policy for the caller on the requested path.
// It runs after OTP.
func RBAC(enforcer *casbin.Enforcer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		session := Session(c)
		if session == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"status":  "error",
				"message": "Invalid or expired JWT",
				"data":    nil,
			})
		}

		// Load policy from Database
		if err := enforcer.LoadPolicy(); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"status":  "error",
				"message": "Internal server error",
				"data":    nil,
			})
		}

		accepted, err := enforcer.Enforce(session.Id, c.Path(), c.Method())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"status":  "error",
				"message": "Internal server error",
				"data":    nil,
			})
		}

		if !accepted {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"status":  "error",
				"message": "Forbidden",
				"data":    nil,
			})
		}

		return c.Next()
	}
}
