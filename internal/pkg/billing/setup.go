package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/app/repository"
	"github.com/ManuelReschke/MemberHub/internal/pkg/security"
)

// MinPasswordLength applies to passwords chosen with a setup token.
const MinPasswordLength = 8

// ClaimSetupToken sets the first password of an account created from a
// payment. The token works once.
func (s *Service) ClaimSetupToken(ctx context.Context, token, password string) (*Projection, error) {
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must have at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	now := s.now()
	claims, err := security.VerifySetupToken(token, s.cfg.SetupTokenSecret, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	hash := models.HashToken(token)

	for attempt := 1; ; attempt++ {
		acc, err := s.store.Repos().Account.GetBySetupTokenHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("%w: setup token already used", ErrAuthenticationFailure)
		}
		if acc.ID != claims.AccountID {
			return nil, fmt.Errorf("%w: setup token does not match account", ErrAuthenticationFailure)
		}
		if acc.SetupTokenExpiresAt != nil && now.After(*acc.SetupTokenExpiresAt) {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, security.ErrTokenExpired)
		}
		if err := acc.SetPassword(password); err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		err = s.store.Repos().Account.CompareAndSwap(ctx, acc)
		if errors.Is(err, repository.ErrStaleVersion) && attempt < maxApplyAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("setup token claimed", zap.String("account_id", acc.ID))
		p := projectionOf(acc, now)
		return &p, nil
	}
}
