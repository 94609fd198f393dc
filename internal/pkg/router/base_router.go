package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docvaulthq/DocVault/internal/pkg/middleware"
	"github.com/docvaulthq/DocVault/internal/pkg/session"
)

type BaseRouter struct {
}

func (h BaseRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func NewBaseRouter() *BaseRouter {
	return &BaseRouter{}
}
