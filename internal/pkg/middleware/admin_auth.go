package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	// KeyAdminSubject holds the authenticated operator in fiber locals.
	KeyAdminSubject = "admin_subject"
)

// AdminClaims are carried by operator bearer tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth requires an HS256 bearer token with role=admin.
func AdminAuth(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		raw := extractBearer(c)
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}
		claims, err := ParseAdminToken(raw, key)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}
		if claims.Role != RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Admin role required"})
		}
		c.Locals(KeyAdminSubject, claims.Subject)
		return c.Next()
	}
}

// ParseAdminToken validates signature, algorithm and expiry.
func ParseAdminToken(raw string, key []byte) (*AdminClaims, error) {
	if len(key) == 0 {
		return nil, errors.New("admin token secret not configured")
	}
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueAdminToken signs an operator token valid for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin token secret not configured")
	}
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// AdminSubject returns the operator set by AdminAuth.
func AdminSubject(c *fiber.Ctx) string {
	s, _ := c.Locals(KeyAdminSubject).(string)
	return s
}

func extractBearer(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
