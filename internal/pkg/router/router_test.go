package router

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberHub/app/controllers"
	"github.com/ManuelReschke/MemberHub/internal/pkg/middleware"
)

func newApp() *fiber.App {
	app := fiber.New()
	InstallRouter(app,
		WebhookRouter{Webhooks: controllers.NewWebhookController(nil, nil, nil)},
		ApiRouter{
			Admin:          controllers.NewAdminController(nil, nil),
			Checkout:       controllers.NewCheckoutController(nil, nil, nil, controllers.CheckoutURLs{}, nil),
			Account:        controllers.NewAccountController(nil, nil),
			AdminJWTSecret: "jwt",
		},
		OpsRouter{Registry: prometheus.NewRegistry(), MetricsUser: "metrics", MetricsPassword: "pw"},
	)
	return app
}

func status(t *testing.T, app *fiber.App, method, path string, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestRoutes(t *testing.T) {
	app := newApp()

	assert.Equal(t, fiber.StatusOK, status(t, app, "GET", "/healthz", nil))
	assert.Equal(t, fiber.StatusOK, status(t, app, "GET", "/api", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "GET", "/api/v1/admin/accounts/lapsed", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "GET", "/metrics", nil))
	assert.Equal(t, fiber.StatusOK, status(t, app, "GET", "/metrics", map[string]string{
		"Authorization": "Basic bWV0cmljczpwdw==",
	}))
	assert.Equal(t, fiber.StatusMethodNotAllowed, status(t, app, "GET", "/webhooks/stripe", nil))
}

func TestAdminRoutesAcceptOperatorToken(t *testing.T) {
	app := newApp()
	tok, err := middleware.IssueAdminToken("jwt", "ops", time.Hour, time.Now())
	require.NoError(t, err)

	// a valid token reaches the controller, whose body validation rejects the empty link request
	got := status(t, app, "POST", "/api/v1/admin/accounts/acc-1/link", map[string]string{
		"Authorization": "Bearer " + tok,
		"Content-Type":  "application/json",
	})
	assert.Equal(t, fiber.StatusBadRequest, got)
}
