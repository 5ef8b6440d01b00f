package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth(t *testing.T) {
	const secret = "jwt-secret"
	app := fiber.New()
	app.Get("/admin", AdminAuth(secret), func(c *fiber.Ctx) error {
		return c.SendString(AdminSubject(c))
	})

	valid, err := IssueAdminToken(secret, "ops@example.com", time.Hour, time.Now())
	require.NoError(t, err)
	expired, err := IssueAdminToken(secret, "ops@example.com", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	foreign, err := IssueAdminToken("other", "ops@example.com", time.Hour, time.Now())
	require.NoError(t, err)
	member, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role:             "member",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: fiber.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: fiber.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: fiber.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + foreign, want: fiber.StatusUnauthorized},
		{name: "not admin", header: "Bearer " + member, want: fiber.StatusForbidden},
		{name: "valid", header: "bearer " + valid, want: fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestParseAdminTokenRejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, AdminClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = ParseAdminToken(tok, []byte("k"))
	assert.Error(t, err)
}
