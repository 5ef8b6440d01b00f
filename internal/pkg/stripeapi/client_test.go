package stripeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	retries := int64(0)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: &retries,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return New("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

const missing = `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`

func TestSubscriptionJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/sub_gone") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(missing))
			return
		}
		_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","status":"active","customer":"cus_1"}`))
	})

	raw, err := c.SubscriptionJSON(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"customer":"cus_1"`)

	_, err = c.SubscriptionJSON(context.Background(), "sub_gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelSubscriptionTreatsMissingAsDone(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/sub_gone"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(missing))
		case strings.HasSuffix(r.URL.Path, "/sub_err"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"nope"}}`))
		default:
			_, _ = w.Write([]byte(`{"id":"sub_1","object":"subscription","status":"canceled"}`))
		}
	})

	require.NoError(t, c.CancelSubscription(context.Background(), "sub_1"))
	require.NoError(t, c.CancelSubscription(context.Background(), "sub_gone"))
	assert.Error(t, c.CancelSubscription(context.Background(), "sub_err"))
	assert.Equal(t, "DELETE /v1/subscriptions/sub_1", calls[0])
}

func TestListPrices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eur", r.URL.Query().Get("currency"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","has_more":false,"url":"/v1/prices","data":[
			{"id":"price_1","object":"price","active":true,"created":100,"currency":"eur","unit_amount":3300,
			 "recurring":{"interval":"month"},"metadata":{"installments":"12"}},
			{"id":"price_2","object":"price","active":false,"created":50,"currency":"eur","unit_amount":39700,"metadata":{}}
		]}`))
	})

	prices, err := c.ListPrices(context.Background(), "EUR")
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices[0].Recurring)
	assert.Equal(t, "month", prices[0].Interval)
	assert.Equal(t, "12", prices[0].Metadata["installments"])
	assert.False(t, prices[1].Recurring)
	assert.False(t, prices[1].Active)
}
