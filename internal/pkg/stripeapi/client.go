package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/MemberHub/internal/pkg/catalog"
)

// Client is the injected handle on the primary processor's API.
type Client struct {
	api *client.API
}

// New builds a client for secretKey. Backends may be nil for the defaults.
func New(secretKey string, backends *stripe.Backends) *Client {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Client{api: api}
}

// CancelSubscription cancels immediately. A subscription that no longer
// exists counts as canceled.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil && !isResourceMissing(err) {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// SubscriptionJSON fetches a subscription and returns its raw JSON so
// callers decode it with the same shape they use for webhook payloads.
func (c *Client) SubscriptionJSON(ctx context.Context, subscriptionID string) ([]byte, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	if sub.LastResponse == nil || len(sub.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("get subscription %s: empty response", subscriptionID)
	}
	return sub.LastResponse.RawJSON, nil
}

// ListPrices implements catalog.PriceLister over every price in currency,
// archived ones included.
func (c *Client) ListPrices(ctx context.Context, currency string) ([]catalog.Price, error) {
	params := &stripe.PriceListParams{Currency: stripe.String(strings.ToLower(currency))}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []catalog.Price
	it := c.api.Prices.List(params)
	for it.Next() {
		p := it.Price()
		price := catalog.Price{
			ID:         p.ID,
			Active:     p.Active,
			Created:    p.Created,
			Currency:   string(p.Currency),
			UnitAmount: p.UnitAmount,
			Metadata:   p.Metadata,
		}
		if p.Recurring != nil {
			price.Recurring = true
			price.Interval = string(p.Recurring.Interval)
		}
		out = append(out, price)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return out, nil
}

// CheckoutRequest describes a hosted checkout for one offer.
type CheckoutRequest struct {
	AccountID      string
	CustomerID     string
	Email          string
	Offer          catalog.Offer
	SuccessURL     string
	CancelURL      string
	AttributionTag string
}

// CheckoutSession is the part of the created session the caller needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for recurring offers
// and a one-time payment otherwise. The account id travels as the client
// reference and in metadata so the webhook can resolve the account.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	mode := stripe.CheckoutSessionModePayment
	if req.Offer.Recurring {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(mode)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.Offer.PriceID), Quantity: stripe.Int64(1)},
		},
	}
	params.Context = ctx
	if req.AccountID != "" {
		params.ClientReferenceID = stripe.String(req.AccountID)
		params.AddMetadata("account_id", req.AccountID)
	}
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.AttributionTag != "" {
		params.AddMetadata("attribution", req.AttributionTag)
	}
	installments := fmt.Sprintf("%d", req.Offer.InstallmentsRequired)
	params.AddMetadata(catalog.MetadataInstallments, installments)
	if req.Offer.Recurring {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"account_id":                 req.AccountID,
				catalog.MetadataInstallments: installments,
			},
		}
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// ErrNotFound reports a processor object that does not exist.
var ErrNotFound = errors.New("stripe: resource missing")

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}
