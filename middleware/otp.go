package middleware

import (
	"courier-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const sessionKey = "session"

// OTP refuses sessions that still wait for their second factor and exposes
// the session to handlers through Session.
func OTP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, _ := c.Locals("user").(*jwt.Token)
		session, err := utils.ExtractTokenMetadata(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).
				JSON(fiber.Map{
					"status":  "error",
					"message": "Invalid or expired JWT",
					"data":    nil,
				})
		}

		if session.Otp {
			return c.Status(fiber.StatusUnauthorized).
				JSON(fiber.Map{
					"status":  "error",
					"message": "2FA required",
					"data":    nil,
				})
		}

		c.Locals(sessionKey, session)
		return c.Next()
	}
}

// Session returns the caller set by OTP.
func Session(c *fiber.Ctx) *utils.TokenMetadata {
	session, _ := c.Locals(sessionKey).(*utils.TokenMetadata)
	return session
}
