package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("MARKETPLACE_WEBHOOK_TOKEN", "token")
	t.Setenv("ADMIN_JWT_SECRET", "jwt")
	t.Setenv("SETUP_TOKEN_SECRET", "setup")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 168*time.Hour, cfg.Setup.TokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.Catalog.CacheTTL)
	assert.Equal(t, 4, cfg.JobQueue.Workers)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr())
	assert.Equal(t, "memory", cfg.App.RateLimitStore)
	assert.Equal(t, 1, cfg.Cache.LimiterDB)
	assert.False(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("DB_USER", "mh")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_NAME", "memberhub")
	t.Setenv("JOBQUEUE_WORKERS", "0")
	t.Setenv("SETUP_TOKEN_TTL", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, 1, cfg.JobQueue.Workers)
	assert.Equal(t, 48*time.Hour, cfg.Setup.TokenTTL)
	assert.Equal(t, "mh:pw@tcp(127.0.0.1:3306)/memberhub?charset=utf8mb4&parseTime=True&loc=UTC", cfg.DB.DSN())
}

func TestLoadRequiresSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}
