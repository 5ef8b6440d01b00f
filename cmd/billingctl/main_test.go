package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/middleware"
)

func TestBuildOverride(t *testing.T) {
	req, err := buildOverride("past_due", "smma_only", "2025-04-01T00:00:00+02:00", 3, 12, false)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusPastDue, req.Status)
	assert.Equal(t, membership.StatusSMMAOnly, req.PayingTier)
	require.NotNil(t, req.CurrentPeriodEnd)
	assert.Equal(t, time.Date(2025, 3, 31, 22, 0, 0, 0, time.UTC), *req.CurrentPeriodEnd)

	_, err = buildOverride("gold", "", "", 0, 1, false)
	assert.Error(t, err)
	_, err = buildOverride("active", "", "tomorrow", 0, 1, false)
	assert.Error(t, err)
	_, err = buildOverride("active", "platinum", "", 0, 1, false)
	assert.Error(t, err)
}

func TestAdminTokenCommand(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "jwt-secret")
	root := rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"admin-token", "--subject", "ops", "--ttl", "1h"})
	require.NoError(t, root.Execute())

	claims, err := middleware.ParseAdminToken(string(bytes.TrimSpace(out.Bytes())), []byte("jwt-secret"))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, middleware.RoleAdmin, claims.Role)
}

func TestCommandsValidateArguments(t *testing.T) {
	root := rootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"grant-lifetime"})
	assert.Error(t, root.Execute())
}
