package main

import (
	"fmt"
	"log"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/quillchat/quillchat/app/controllers"
	"github.com/quillchat/quillchat/internal/pkg/billing"
	"github.com/quillchat/quillchat/internal/pkg/cache"
	"github.com/quillchat/quillchat/internal/pkg/database"
	"github.com/quillchat/quillchat/internal/pkg/env"
	metrics "github.com/quillchat/quillchat/internal/pkg/metrics/counter"
	"github.com/quillchat/quillchat/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	billingCfg := billing.LoadConfig()
	svc := billing.NewServiceFromDB(database.GetDB(), billing.NewStripeClient(billingCfg.SecretKey), billingCfg)
	svc.SetPendingMessageCounter(metrics.PendingMessages)
	controllers.InitializeBillingController(svc)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
