package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
}
