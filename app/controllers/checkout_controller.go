package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/catalog"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

type OfferResolver interface {
	Resolve(ctx context.Context, installments int, currency string) (catalog.Offer, error)
}

type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, req stripeapi.CheckoutRequest) (*stripeapi.CheckoutSession, error)
}

type ProjectionReader interface {
	GetProjection(ctx context.Context, accountID string) (*billing.Projection, error)
}

type CheckoutURLs struct {
	Success string
	Cancel  string
}

// CheckoutController starts hosted checkouts for a membership tier.
type CheckoutController struct {
	offers   OfferResolver
	checkout CheckoutCreator
	accounts ProjectionReader
	urls     CheckoutURLs
	log      *zap.Logger
}

func NewCheckoutController(offers OfferResolver, checkout CheckoutCreator, accounts ProjectionReader, urls CheckoutURLs, log *zap.Logger) *CheckoutController {
	if log == nil {
		log = zap.NewNop()
	}
	return &CheckoutController{offers: offers, checkout: checkout, accounts: accounts, urls: urls, log: log.Named("checkout")}
}

type checkoutRequest struct {
	AccountID    string `json:"account_id" validate:"omitempty,max=36"`
	Email        string `json:"email" validate:"required_without=AccountID,omitempty,email,max=200"`
	Installments int    `json:"installments" validate:"required,gte=1,lte=60"`
	Currency     string `json:"currency" validate:"required,len=3"`
	Attribution  string `json:"attribution" validate:"max=191"`
}

func (cc *CheckoutController) HandleStart(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, cc.log, err)
	}
	ctx := c.UserContext()

	offer, err := cc.offers.Resolve(ctx, req.Installments, req.Currency)
	if err != nil {
		return writeError(c, cc.log, err)
	}

	in := stripeapi.CheckoutRequest{
		Email:          req.Email,
		Offer:          offer,
		SuccessURL:     cc.urls.Success,
		CancelURL:      cc.urls.Cancel,
		AttributionTag: req.Attribution,
	}
	if req.AccountID != "" {
		p, err := cc.accounts.GetProjection(ctx, req.AccountID)
		if err != nil {
			return writeError(c, cc.log, err)
		}
		in.AccountID = p.AccountID
		in.CustomerID = p.PrimaryCustomerID
		in.Email = p.Email
	}

	session, err := cc.checkout.CreateCheckoutSession(ctx, in)
	if err != nil {
		return writeError(c, cc.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": session.ID,
		"url":        session.URL,
		"offer":      offer,
	})
}
