package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/controllers"
	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/cache"
	"github.com/ManuelReschke/MemberHub/internal/pkg/catalog"
	"github.com/ManuelReschke/MemberHub/internal/pkg/config"
	"github.com/ManuelReschke/MemberHub/internal/pkg/database"
	"github.com/ManuelReschke/MemberHub/internal/pkg/env"
	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/logging"
	"github.com/ManuelReschke/MemberHub/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberHub/internal/pkg/router"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

var infraModule = fx.Provide(
	provideConfig,
	provideLogger,
	metrics.New,
	provideDB,
	provideRedis,
	provideStripe,
	provideQueue,
)

var billingModule = fx.Provide(
	provideService,
	provideCatalog,
	provideStripeIngestor,
	provideMarketplaceIngestor,
)

var httpModule = fx.Provide(
	provideAdminController,
	provideAccountController,
	provideWebhookController,
	provideCheckoutController,
	provideLimiterStorage,
	provideApp,
)

func provideConfig() (*config.Config, error) {
	if err := env.Load(); err != nil {
		return nil, err
	}
	return config.Load()
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.IsDev())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = log.Sync() }))
	return log, nil
}

func provideDB(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(context.Background(), cfg.DB.DSN(), cfg.DB.AutoMigrate, log.Named("database"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error { return database.Close(db) }))
	return db, nil
}

func provideRedis(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *redis.Client {
	rdb := cache.New(context.Background(), cache.Options{
		Addr:     cfg.Cache.Addr(),
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	}, log.Named("cache"))
	lc.Append(fx.StopHook(rdb.Close))
	return rdb
}

func provideStripe(cfg *config.Config) *stripeapi.Client {
	return stripeapi.New(cfg.Stripe.SecretKey, nil)
}

func provideQueue(rdb *redis.Client, cfg *config.Config, log *zap.Logger, m *metrics.Billing) *jobqueue.Queue {
	q := jobqueue.NewQueue(rdb, cfg.JobQueue.Workers, log, m)
	m.Registry.MustRegister(jobqueue.NewCollector(q))
	return q
}

func provideService(db *gorm.DB, q *jobqueue.Queue, sc *stripeapi.Client, cfg *config.Config, log *zap.Logger, m *metrics.Billing) *billing.Service {
	return billing.NewService(billing.NewStore(db), billing.NewQueueSink(q), sc, billing.Config{
		SetupTokenSecret: cfg.Setup.TokenSecret,
		SetupTokenTTL:    cfg.Setup.TokenTTL,
	}, log, m)
}

func provideCatalog(sc *stripeapi.Client, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *catalog.Catalog {
	return catalog.New(sc, catalog.NewRedisCache(rdb), cfg.Catalog.CacheTTL, log)
}

func provideStripeIngestor(svc *billing.Service, cfg *config.Config, log *zap.Logger, m *metrics.Billing) *billing.StripeIngestor {
	return billing.NewStripeIngestor(svc, cfg.Stripe.WebhookSecret, log, m)
}

func provideMarketplaceIngestor(svc *billing.Service, cfg *config.Config, log *zap.Logger, m *metrics.Billing) *billing.MarketplaceIngestor {
	return billing.NewMarketplaceIngestor(svc, cfg.Market.WebhookToken, cfg.Market.SigningSecret, log, m)
}

func provideAdminController(svc *billing.Service, log *zap.Logger) *controllers.AdminController {
	return controllers.NewAdminController(svc, log)
}

func provideAccountController(svc *billing.Service, log *zap.Logger) *controllers.AccountController {
	return controllers.NewAccountController(svc, log)
}

func provideWebhookController(s *billing.StripeIngestor, mk *billing.MarketplaceIngestor, log *zap.Logger) *controllers.WebhookController {
	return controllers.NewWebhookController(s, mk, log)
}

func provideCheckoutController(cat *catalog.Catalog, sc *stripeapi.Client, svc *billing.Service, cfg *config.Config, log *zap.Logger) *controllers.CheckoutController {
	return controllers.NewCheckoutController(cat, sc, svc, controllers.CheckoutURLs{
		Success: cfg.Stripe.SuccessURL,
		Cancel:  cfg.Stripe.CancelURL,
	}, log)
}

// provideLimiterStorage returns nil for the in-memory limiter.
func provideLimiterStorage(lc fx.Lifecycle, cfg *config.Config) fiber.Storage {
	if cfg.App.RateLimitStore != "redis" {
		return nil
	}
	storage := redisstorage.New(redisstorage.Config{
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.LimiterDB,
		Reset:    false,
	})
	lc.Append(fx.StopHook(storage.Close))
	return storage
}

func provideApp(
	cfg *config.Config,
	limiterStorage fiber.Storage,
	m *metrics.Billing,
	webhooks *controllers.WebhookController,
	admin *controllers.AdminController,
	checkout *controllers.CheckoutController,
	account *controllers.AccountController,
) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "memberhub",
		BodyLimit:             1 << 20,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app,
		router.OpsRouter{
			Registry:        m.Registry,
			MetricsUser:     cfg.Metrics.User,
			MetricsPassword: cfg.Metrics.Password,
			SwaggerFile:     cfg.App.SwaggerDoc,
		},
		router.WebhookRouter{Webhooks: webhooks},
		router.ApiRouter{
			Admin:          admin,
			Checkout:       checkout,
			Account:        account,
			AdminJWTSecret: cfg.Admin.JWTSecret,
			RateLimit:      cfg.App.RateLimit,
			LimiterStorage: limiterStorage,
		},
	)
	return app
}
