package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid setup token")
	ErrTokenExpired = errors.New("setup token expired")
)

// SetupTokenClaims identify the account a one-time setup credential was
// issued for. Nonce makes every issued token distinct.
type SetupTokenClaims struct {
	AccountID string `json:"account_id"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"exp"`
}

// GenerateSetupToken issues a signed token for accountID valid for ttl.
func GenerateSetupToken(accountID string, ttl time.Duration, secret string, now time.Time) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("secret is required for token generation")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(ttl)
	claims := SetupTokenClaims{
		AccountID: accountID,
		Nonce:     hex.EncodeToString(nonce),
		ExpiresAt: expiresAt.Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString(payload), base64.RawURLEncoding.EncodeToString(sign(payload, secret)))
	return token, expiresAt, nil
}

// VerifySetupToken checks signature and expiry. Whether the token is still
// unclaimed is decided by the stored hash, not here.
func VerifySetupToken(token, secret string, now time.Time) (*SetupTokenClaims, error) {
	if secret == "" {
		return nil, errors.New("secret is required for token verification")
	}
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(sig, sign(payload, secret)) {
		return nil, ErrInvalidToken
	}
	var claims SetupTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	if now.Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// VerifyHMACSHA256 compares a hex encoded HMAC-SHA256 of payload in constant time.
func VerifyHMACSHA256(payload []byte, signatureHex, secret string) bool {
	sig := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signatureHex), "sha256="))
	if sig == "" || secret == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, sign(payload, secret))
}

// ConstantTimeEqual compares two shared secrets without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

func sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
