package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/quillchat/quillchat/app/controllers"
	"github.com/quillchat/quillchat/app/repository"
	"github.com/quillchat/quillchat/internal/pkg/constants"
	"github.com/quillchat/quillchat/internal/pkg/database"
	"github.com/quillchat/quillchat/internal/pkg/middleware"
	"github.com/quillchat/quillchat/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Initialize repositories used by the auth controllers
	repository.InitializeFactory(database.GetDB())

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// Webhook endpoints live outside /api: they are called by the payment
	// processor, carry no session, and authenticate via signature instead.
	app.Post(constants.StripeWebhookRoute, controllers.HandleStripeWebhook)
	app.Post(constants.LegacyWebhookRoute, controllers.HandleStripeWebhookLegacy)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
