package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter wires all route groups. The API router depends on the session
// middleware the base router installs, so order matters.
func InstallRouter(app *fiber.App) {
	setup(app, NewBaseRouter(), NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
