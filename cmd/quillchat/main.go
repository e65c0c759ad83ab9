package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/quillchat/quillchat/app/controllers"
	"github.com/quillchat/quillchat/internal/pkg/billing"
	"github.com/quillchat/quillchat/internal/pkg/cache"
	"github.com/quillchat/quillchat/internal/pkg/database"
	"github.com/quillchat/quillchat/internal/pkg/env"
	"github.com/quillchat/quillchat/internal/pkg/jobqueue"
	metrics "github.com/quillchat/quillchat/internal/pkg/metrics/counter"
	"github.com/quillchat/quillchat/internal/pkg/router"
)

func main() {
	app := NewApplication()

	manager := jobqueue.GetManager()
	manager.Start()
	defer manager.Stop()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Find the project root (openapi.yml lives there)
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/quillchat to project root
		"../../../", // Fallback
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}
	if basePath == "" {
		panic("Could not find project root directory")
	}

	// Billing service: load config once, inject the Stripe client so tests
	// and local runs can substitute a fake processor.
	billingCfg := billing.LoadConfig()
	svc := billing.NewServiceFromDB(database.GetDB(), billing.NewStripeClient(billingCfg.SecretKey), billingCfg)
	svc.SetPendingMessageCounter(metrics.PendingMessages)
	controllers.InitializeBillingController(svc)

	// init fiber app
	app := fiber.New(fiber.Config{})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
