package config

import (
	"fmt"
	"time"

	envparse "github.com/caarlos0/env/v11"
)

// Config is the whole runtime configuration, read from the environment.
type Config struct {
	App      App
	DB       DB
	Cache    Cache
	Stripe   Stripe
	Market   Marketplace
	Admin    Admin
	Setup    Setup
	Metrics  Metrics
	Catalog  Catalog
	JobQueue JobQueue
}

type App struct {
	Env       string `env:"APP_ENV" envDefault:"prod"`
	Host      string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port      int    `env:"APP_PORT" envDefault:"8080"`
	PublicURL string `env:"PUBLIC_DOMAIN" envDefault:"http://localhost:8080"`
	RateLimit int    `env:"API_RATE_LIMIT" envDefault:"120"`
	// RateLimitStore is "memory" or "redis". Redis shares the counters
	// between instances.
	RateLimitStore string `env:"API_RATE_LIMIT_STORE" envDefault:"memory"`
	SwaggerDoc     string `env:"SWAGGER_FILE" envDefault:"./docs/openapi.yml"`
}

type DB struct {
	Host        string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port        int    `env:"DB_PORT" envDefault:"3306"`
	User        string `env:"DB_USER"`
	Password    string `env:"DB_PASSWORD"`
	Name        string `env:"DB_NAME"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"false"`
}

type Cache struct {
	Host     string `env:"CACHE_HOST" envDefault:"localhost"`
	Port     int    `env:"CACHE_PORT" envDefault:"6379"`
	Password string `env:"CACHE_PASSWORD"`
	DB       int    `env:"CACHE_DB" envDefault:"0"`
	// LimiterDB keeps rate limiter keys apart from the queue and offer cache.
	LimiterDB int `env:"CACHE_LIMITER_DB" envDefault:"1"`
}

type Stripe struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required,notEmpty"`
	SuccessURL    string `env:"STRIPE_SUCCESS_URL" envDefault:"http://localhost:8080/welcome"`
	CancelURL     string `env:"STRIPE_CANCEL_URL" envDefault:"http://localhost:8080/pricing"`
}

type Marketplace struct {
	WebhookToken  string `env:"MARKETPLACE_WEBHOOK_TOKEN,required,notEmpty"`
	SigningSecret string `env:"MARKETPLACE_SIGNING_SECRET"`
}

type Admin struct {
	JWTSecret string `env:"ADMIN_JWT_SECRET,required,notEmpty"`
}

type Setup struct {
	TokenSecret string        `env:"SETUP_TOKEN_SECRET,required,notEmpty"`
	TokenTTL    time.Duration `env:"SETUP_TOKEN_TTL" envDefault:"168h"`
}

type Metrics struct {
	User     string `env:"METRICS_USER" envDefault:"metrics"`
	Password string `env:"METRICS_PASSWORD"`
}

type Catalog struct {
	CacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"10m"`
}

type JobQueue struct {
	Workers int `env:"JOBQUEUE_WORKERS" envDefault:"4"`
}

// Load parses the environment. Missing required secrets are an error.
func Load() (*Config, error) {
	cfg, err := envparse.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.JobQueue.Workers < 1 {
		cfg.JobQueue.Workers = 1
	}
	return &cfg, nil
}

func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// DSN is the MySQL data source name for gorm and the migrator.
func (d DB) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func (c Cache) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
