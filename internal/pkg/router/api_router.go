package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/quillchat/quillchat/app/controllers"
	"github.com/quillchat/quillchat/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// Session management
	auth := api.Group("/auth")
	auth.Post("/register", controllers.HandleRegister)
	auth.Post("/login", controllers.HandleLogin)
	auth.Post("/guest", controllers.HandleGuestSession)
	auth.Post("/logout", middleware.RequireAPISessionAuth, controllers.HandleLogout)

	// Chat routes. Guests may chat within the free quota.
	chat := api.Group("/chat", middleware.RequireAPISessionAuth)
	chat.Post("/messages", controllers.HandleChatMessage)

	// Billing routes. Mutating flows additionally require a registered (non
	// guest) account; read-only flows only need a session.
	billing := api.Group("/billing")
	billing.Post("/checkout", middleware.RequireRegisteredAccount, controllers.HandleBillingCheckout)
	billing.Post("/portal", middleware.RequireRegisteredAccount, controllers.HandleBillingPortal)
	billing.Post("/resync", middleware.RequireRegisteredAccount, controllers.HandleBillingResync)
	billing.Get("/verify", middleware.RequireAPISessionAuth, controllers.HandleBillingVerify)
	billing.Get("/limits", middleware.RequireAPISessionAuth, controllers.HandleBillingLimits)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
