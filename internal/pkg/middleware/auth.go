package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/quillchat/quillchat/internal/pkg/usercontext"
)

// RequireAPISessionAuth ensures a logged-in session for API routes and returns JSON 401.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

// RequireRegisteredAccount rejects guest sessions with 403. Guests must
// convert to a registered account before they can start paid flows.
func RequireRegisteredAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	if userCtx.IsGuest {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "guest_blocked",
			"message": "create an account to manage billing",
		})
	}
	return c.Next()
}
