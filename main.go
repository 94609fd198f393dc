package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/docvaulthq/DocVault/app/controllers"
	"github.com/docvaulthq/DocVault/app/repository"
	"github.com/docvaulthq/DocVault/internal/pkg/cache"
	"github.com/docvaulthq/DocVault/internal/pkg/database"
	"github.com/docvaulthq/DocVault/internal/pkg/env"
	"github.com/docvaulthq/DocVault/internal/pkg/payment"
	"github.com/docvaulthq/DocVault/internal/pkg/reconcile"
	"github.com/docvaulthq/DocVault/internal/pkg/router"
)

func main() {
	app := NewApplication()

	reconciler := reconcile.GetManager()
	reconciler.Start()

	var consumer *payment.Consumer
	if env.GetEnv("AMQP_ENABLED", "false") == "true" {
		var err error
		consumer, err = payment.NewConsumer(controllers.GetPaymentGateway())
		if err != nil {
			fiberlog.Errorf("[Main] wallet consumer unavailable: %v", err)
		} else if err := consumer.Start(); err != nil {
			fiberlog.Errorf("[Main] wallet consumer failed to start: %v", err)
		}
	}

	// Graceful shutdown: stop accepting requests, then stop the workers.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fiberlog.Info("[Main] shutting down")
		_ = app.Shutdown()
		if consumer != nil {
			consumer.Stop()
		}
		reconciler.Stop()
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}

	// Listen returns once Shutdown is called; wait for the worker cleanup.
	<-shutdownDone
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	app := fiber.New(fiber.Config{
		BodyLimit: 104857600, // 100 MiB, documents can be large
	})
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
