package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
)

type SetupClaimer interface {
	ClaimSetupToken(ctx context.Context, token, password string) (*billing.Projection, error)
}

// AccountController serves the self-service setup of accounts created by
// an incoming payment.
type AccountController struct {
	setup SetupClaimer
	log   *zap.Logger
}

func NewAccountController(setup SetupClaimer, log *zap.Logger) *AccountController {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccountController{setup: setup, log: log.Named("account")}
}

type setupRequest struct {
	Token    string `json:"token" validate:"required,max=512"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (a *AccountController) HandleSetup(c *fiber.Ctx) error {
	var req setupRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, a.log, err)
	}
	p, err := a.setup.ClaimSetupToken(c.UserContext(), req.Token, req.Password)
	if err != nil {
		return writeError(c, a.log, err)
	}
	return c.JSON(fiber.Map{"account": p})
}
