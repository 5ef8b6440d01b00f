package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/MemberHub/app/controllers"
)

// WebhookRouter exposes the processor endpoints. They are not rate limited
// since processors retry aggressively on 429.
type WebhookRouter struct {
	Webhooks *controllers.WebhookController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/stripe", h.Webhooks.HandleStripe)
	hooks.Post("/marketplace", h.Webhooks.HandleMarketplace)
}
