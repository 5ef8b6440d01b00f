package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/middleware"
)

// AdminBilling is the reconciliation surface used by operators.
type AdminBilling interface {
	GetProjection(ctx context.Context, accountID string) (*billing.Projection, error)
	ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]models.Transaction, error)
	ListLapsed(ctx context.Context, limit int) ([]billing.Projection, error)
	ManualOverride(ctx context.Context, accountID string, req billing.OverrideRequest) (*billing.Result, error)
	GrantLifetime(ctx context.Context, accountID string) (*billing.Result, error)
	LinkSubscription(ctx context.Context, accountID, subscriptionID, customerID string) (*billing.Result, error)
	SyncSubscription(ctx context.Context, accountID string) (*billing.Result, error)
}

type AdminController struct {
	svc AdminBilling
	log *zap.Logger
}

func NewAdminController(svc AdminBilling, log *zap.Logger) *AdminController {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminController{svc: svc, log: log.Named("admin")}
}

func (a *AdminController) HandleGetAccount(c *fiber.Ctx) error {
	p, err := a.svc.GetProjection(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, a.log, err)
	}
	return c.JSON(p)
}

func (a *AdminController) HandleListTransactions(c *fiber.Ctx) error {
	txns, err := a.svc.ListTransactions(c.UserContext(), c.Params("id"), queryInt(c, "offset", 0), queryInt(c, "limit", 0))
	if err != nil {
		return writeError(c, a.log, err)
	}
	return c.JSON(fiber.Map{"transactions": txns})
}

func (a *AdminController) HandleListLapsed(c *fiber.Ctx) error {
	accounts, err := a.svc.ListLapsed(c.UserContext(), queryInt(c, "limit", 100))
	if err != nil {
		return writeError(c, a.log, err)
	}
	return c.JSON(fiber.Map{"accounts": accounts})
}

type manualPaymentRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"gte=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"required,max=150"`
}

type overrideRequest struct {
	Status               string                `json:"status" validate:"required,oneof=incomplete trialing active past_due canceled lifetime_access smma_only"`
	InstallmentsPaid     int                   `json:"installments_paid" validate:"gte=0"`
	InstallmentsRequired int                   `json:"installments_required" validate:"gte=1"`
	CurrentPeriodEnd     *time.Time            `json:"current_period_end"`
	ClearPeriodEnd       bool                  `json:"clear_period_end"`
	PayingTier           string                `json:"paying_tier" validate:"omitempty,oneof=active smma_only"`
	Payment              *manualPaymentRequest `json:"payment" validate:"omitempty"`
}

func (r overrideRequest) toBilling() (billing.OverrideRequest, error) {
	status, ok := membership.ParseStatus(r.Status)
	if !ok {
		return billing.OverrideRequest{}, fmt.Errorf("%w: unknown status %q", billing.ErrInvalidOverride, r.Status)
	}
	out := billing.OverrideRequest{Override: membership.Override{
		Status:               status,
		InstallmentsPaid:     r.InstallmentsPaid,
		InstallmentsRequired: r.InstallmentsRequired,
		CurrentPeriodEnd:     r.CurrentPeriodEnd,
		ClearPeriodEnd:       r.ClearPeriodEnd,
	}}
	if r.PayingTier != "" {
		out.PayingTier, _ = membership.ParseStatus(r.PayingTier)
	}
	if r.Payment != nil {
		out.Payment = &billing.ManualPayment{
			AmountMinor: r.Payment.AmountMinor,
			Currency:    r.Payment.Currency,
			Reference:   r.Payment.Reference,
		}
	}
	return out, nil
}

func (a *AdminController) HandleOverride(c *fiber.Ctx) error {
	var req overrideRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, a.log, err)
	}
	ov, err := req.toBilling()
	if err != nil {
		return writeError(c, a.log, err)
	}
	res, err := a.svc.ManualOverride(c.UserContext(), c.Params("id"), ov)
	if err != nil {
		return writeError(c, a.log, err)
	}
	a.audit(c, "manual_override", res)
	return c.JSON(res)
}

func (a *AdminController) HandleGrantLifetime(c *fiber.Ctx) error {
	res, err := a.svc.GrantLifetime(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, a.log, err)
	}
	a.audit(c, "grant_lifetime", res)
	return c.JSON(res)
}

type linkRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required,max=191"`
	CustomerID     string `json:"customer_id" validate:"max=191"`
}

func (a *AdminController) HandleLink(c *fiber.Ctx) error {
	var req linkRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, a.log, err)
	}
	res, err := a.svc.LinkSubscription(c.UserContext(), c.Params("id"), req.SubscriptionID, req.CustomerID)
	if err != nil {
		return writeError(c, a.log, err)
	}
	a.audit(c, "link_subscription", res)
	return c.JSON(res)
}

func (a *AdminController) HandleSync(c *fiber.Ctx) error {
	res, err := a.svc.SyncSubscription(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, a.log, err)
	}
	a.audit(c, "sync_subscription", res)
	return c.JSON(res)
}

func (a *AdminController) audit(c *fiber.Ctx, action string, res *billing.Result) {
	a.log.Info("admin action",
		zap.String("action", action),
		zap.String("operator", middleware.AdminSubject(c)),
		zap.String("account_id", res.Projection.AccountID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", string(res.Projection.Status)))
}
