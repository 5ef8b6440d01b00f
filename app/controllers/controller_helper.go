package controllers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/catalog"
)

var validate = validator.New()

var errInvalidBody = errors.New("invalid request body")

// bindJSON decodes a JSON body into dst and validates its tags.
func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return validate.Struct(dst)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// writeError maps billing errors to HTTP statuses. Unmapped errors are
// logged and answered with a bare 500.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_error"
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errInvalidBody):
		status, code = fiber.StatusBadRequest, "invalid_body"
	case errors.As(err, &verrs):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "message": validationMessage(err)})
	case errors.Is(err, billing.ErrAuthenticationFailure):
		status, code = fiber.StatusUnauthorized, "unauthorized"
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, catalog.ErrOfferNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrConflict):
		status, code = fiber.StatusConflict, "conflict"
	case errors.Is(err, billing.ErrInvalidOverride), errors.Is(err, billing.ErrInvalidInput):
		status, code = fiber.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, billing.ErrAccountPending):
		status, code = fiber.StatusServiceUnavailable, "account_pending"
	}
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
