package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsRouter serves metrics, the fiber monitor and the API docs.
type OpsRouter struct {
	Registry        *prometheus.Registry
	MetricsUser     string
	MetricsPassword string
	SwaggerFile     string
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	// Without a password the operational endpoints stay closed.
	if h.MetricsPassword != "" {
		auth := basicauth.New(basicauth.Config{
			Users: map[string]string{h.MetricsUser: h.MetricsPassword},
		})
		if h.Registry != nil {
			app.Get("/metrics", auth, adaptor.HTTPHandler(promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{})))
		}
		app.Get("/monitor", auth, monitor.New())
	}

	if h.SwaggerFile != "" {
		if _, err := os.Stat(h.SwaggerFile); err == nil {
			app.Use(swagger.New(swagger.Config{
				BasePath: "/docs/",
				FilePath: h.SwaggerFile,
				Path:     "api",
			}))
		}
	}
}
