package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/models"
)

func TestMigrateCreatesBillingTables(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range []interface{}{&models.Account{}, &models.Transaction{}, &models.BillingWebhookEvent{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
	require.NoError(t, Close(db))
}

func TestOpenStopsOnCanceledContext(t *testing.T) {
	old := retryDelay
	retryDelay = time.Hour
	t.Cleanup(func() { retryDelay = old })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, "nobody:x@tcp(127.0.0.1:1)/none?timeout=50ms", false, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
