package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/MemberHub/app/controllers"
	"github.com/ManuelReschke/MemberHub/internal/pkg/middleware"
)

type ApiRouter struct {
	Admin          *controllers.AdminController
	Checkout       *controllers.CheckoutController
	Account        *controllers.AccountController
	AdminJWTSecret string
	// RateLimit is the number of requests per client and minute.
	RateLimit int
	// LimiterStorage holds the limiter counters. Nil keeps them in memory.
	LimiterStorage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limit := h.RateLimit
	if limit <= 0 {
		limit = 120
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		Storage:    h.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "memberhub api",
		})
	})

	v1 := api.Group("/v1")
	v1.Post("/checkout", h.Checkout.HandleStart)
	v1.Post("/account/setup", h.Account.HandleSetup)

	admin := v1.Group("/admin", middleware.AdminAuth(h.AdminJWTSecret))
	admin.Get("/accounts/lapsed", h.Admin.HandleListLapsed)
	admin.Get("/accounts/:id", h.Admin.HandleGetAccount)
	admin.Get("/accounts/:id/transactions", h.Admin.HandleListTransactions)
	admin.Post("/accounts/:id/override", h.Admin.HandleOverride)
	admin.Post("/accounts/:id/grant-lifetime", h.Admin.HandleGrantLifetime)
	admin.Post("/accounts/:id/link", h.Admin.HandleLink)
	admin.Post("/accounts/:id/sync", h.Admin.HandleSync)
}
