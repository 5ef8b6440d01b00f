package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/notify"
	"github.com/ManuelReschke/MemberHub/internal/pkg/security"
)

// resolve finds the account a target refers to. When nothing matches and
// the target allows it, a new account is created in its signup state.
func (s *Service) resolve(ctx context.Context, t Target) (*models.Account, error) {
	repos := s.store.Repos()

	type lookup struct {
		key string
		get func(context.Context, string) (*models.Account, error)
	}
	lookups := []lookup{
		{strings.TrimSpace(t.CustomerID), repos.Account.GetByPrimaryCustomerID},
		{strings.TrimSpace(t.SubscriptionID), repos.Account.GetByPrimarySubscriptionID},
		{strings.TrimSpace(t.AccountID), repos.Account.GetByID},
	}
	if t.AllowEmail {
		lookups = append(lookups, lookup{models.NormalizeEmail(t.Email), repos.Account.GetByEmail})
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		acc, err := l.get(ctx, l.key)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve account: %w", err)
		}
	}

	if !t.CreateIfMissing || strings.TrimSpace(t.Email) == "" {
		return nil, fmt.Errorf("%w: no account for customer=%q subscription=%q account=%q",
			ErrNotFound, t.CustomerID, t.SubscriptionID, t.AccountID)
	}
	return s.createAccount(ctx, t)
}

// createAccount creates an account for a first payment from someone we have
// never seen, with a setup token so they can choose a password later.
func (s *Service) createAccount(ctx context.Context, t Target) (*models.Account, error) {
	repos := s.store.Repos()

	acc := models.NewAccount(t.Email, t.DisplayName)
	acc.PrimaryCustomerID = models.StringPtr(t.CustomerID)
	if err := acc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	token, expiresAt, err := security.GenerateSetupToken(acc.ID, s.cfg.SetupTokenTTL, s.cfg.SetupTokenSecret, s.now())
	if err != nil {
		return nil, fmt.Errorf("issue setup token: %w", err)
	}
	acc.IssueSetupToken(token, expiresAt)

	if err := repos.Account.Create(ctx, acc); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// another delivery for the same buyer won the insert
			if existing, lerr := repos.Account.GetByEmail(ctx, acc.Email); lerr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	s.log.Info("account created from payment",
		zap.String("account_id", acc.ID),
		zap.String("customer_id", t.CustomerID))

	if s.sink != nil {
		err := s.sink.Notify(context.WithoutCancel(ctx), jobqueue.NotifyPayload{
			AccountID:  acc.ID,
			Kind:       notify.KindAccountCreated,
			SetupToken: token,
		})
		s.metrics.SideEffect("notify", err)
		if err != nil {
			s.log.Error("account created notification failed", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}
	return acc, nil
}
