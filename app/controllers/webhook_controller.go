package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeWebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (*billing.Ack, error)
}

type MarketplaceWebhookHandler interface {
	Handle(ctx context.Context, payload []byte, token, signature string) (*billing.Ack, error)
}

// WebhookController receives processor deliveries. Every classified outcome
// is acknowledged with 200 so processors stop retrying; only
// authentication and persistence failures are not.
type WebhookController struct {
	stripe      StripeWebhookHandler
	marketplace MarketplaceWebhookHandler
	log         *zap.Logger
}

func NewWebhookController(stripe StripeWebhookHandler, marketplace MarketplaceWebhookHandler, log *zap.Logger) *WebhookController {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookController{stripe: stripe, marketplace: marketplace, log: log.Named("webhooks")}
}

func (w *WebhookController) HandleStripe(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)
	ack, err := w.stripe.Handle(c.UserContext(), payload, c.Get(stripeSignatureHeader))
	if err != nil {
		return writeError(c, w.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(ackBody(ack))
}

func (w *WebhookController) HandleMarketplace(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	ack, err := w.marketplace.Handle(c.UserContext(), payload,
		c.Get(billing.MarketplaceTokenHeader), c.Get(billing.MarketplaceSignatureHeader))
	if err != nil {
		return writeError(c, w.log, err)
	}
	return c.Status(fiber.StatusOK).JSON(ackBody(ack))
}

func ackBody(ack *billing.Ack) fiber.Map {
	return fiber.Map{
		"ok":        true,
		"event_id":  ack.EventID,
		"outcome":   ack.Outcome,
		"duplicate": ack.Duplicate,
	}
}
