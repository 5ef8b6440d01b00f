package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/app/repository"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

const sourceAdmin = "admin"

// ManualOverride applies an authoritative correction. It skips the event
// guards but the account invariants still hold afterwards.
func (s *Service) ManualOverride(ctx context.Context, accountID string, req OverrideRequest) (*Result, error) {
	var ledger *models.Transaction
	if p := req.Payment; p != nil {
		ref := strings.TrimSpace(p.Reference)
		if ref == "" {
			return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidOverride)
		}
		var err error
		ledger, err = ledgerEntry(Charge{
			RecordCharge: membership.RecordCharge{
				AmountMinor: p.AmountMinor,
				Currency:    p.Currency,
				SourceRef:   models.ProcessorManual + ":" + ref,
				Recurring:   true,
			},
			Processor: models.ProcessorManual,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
		}
	}
	return s.apply(ctx, applyRequest{
		source:    sourceAdmin,
		accountID: accountID,
		command:   fixed(req.Override),
		ledger:    ledger,
	})
}

// GrantLifetime gives permanent access without touching the counters.
func (s *Service) GrantLifetime(ctx context.Context, accountID string) (*Result, error) {
	return s.apply(ctx, applyRequest{
		source:    sourceAdmin,
		accountID: accountID,
		command: func(acc *models.Account) (membership.Command, error) {
			return membership.Override{
				Status:               membership.StatusLifetime,
				InstallmentsPaid:     acc.InstallmentsPaid,
				InstallmentsRequired: acc.InstallmentsRequired,
				ClearPeriodEnd:       true,
			}, nil
		},
	})
}

// LinkSubscription attaches an existing primary processor subscription to
// the account. It fails with ErrConflict, writing nothing, when the
// subscription or customer already belongs to another account.
func (s *Service) LinkSubscription(ctx context.Context, accountID, subscriptionID, customerID string) (*Result, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	customerID = strings.TrimSpace(customerID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription id is required", ErrInvalidInput)
	}

	sub, err := s.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		customerID = sub.Customer.ID
	}

	return s.apply(ctx, applyRequest{
		source:    sourceAdmin,
		accountID: accountID,
		command:   fixed(sub.observed(membership.AttachForce)),
		guard: func(ctx context.Context, repos *repository.Repositories, acc *models.Account) error {
			if err := ownedElsewhere(ctx, repos.Account.GetByPrimarySubscriptionID, subscriptionID, acc.ID); err != nil {
				return fmt.Errorf("subscription %s: %w", subscriptionID, err)
			}
			if err := ownedElsewhere(ctx, repos.Account.GetByPrimaryCustomerID, customerID, acc.ID); err != nil {
				return fmt.Errorf("customer %s: %w", customerID, err)
			}
			return nil
		},
		link: func(acc *models.Account) bool {
			if customerID == "" || models.StringValue(acc.PrimaryCustomerID) == customerID {
				return false
			}
			acc.PrimaryCustomerID = models.StringPtr(customerID)
			return true
		},
	})
}

func ownedElsewhere(ctx context.Context, get func(context.Context, string) (*models.Account, error), key, accountID string) error {
	if key == "" {
		return nil
	}
	owner, err := get(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.ID != accountID {
		return fmt.Errorf("%w: owned by %s", ErrConflict, owner.ID)
	}
	return nil
}

// SyncSubscription re-reads the linked subscription from the processor and
// feeds it through the same path as a webhook.
func (s *Service) SyncSubscription(ctx context.Context, accountID string) (*Result, error) {
	acc, err := s.store.Repos().Account.GetByID(ctx, accountID)
	if err != nil {
		return nil, lookupErr(err, "account "+accountID)
	}
	subscriptionID := models.StringValue(acc.PrimarySubscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: account %s has no linked subscription", ErrNotFound, accountID)
	}
	sub, err := s.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, applyRequest{
		source:    sourceAdmin,
		accountID: accountID,
		command:   fixed(sub.observed(membership.AttachNone)),
	})
}

func (s *Service) fetchSubscription(ctx context.Context, subscriptionID string) (*stripeSubscription, error) {
	if s.subscriptions == nil {
		return nil, errors.New("subscription reader is not configured")
	}
	raw, err := s.subscriptions.SubscriptionJSON(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, stripeapi.ErrNotFound) {
			return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}
	sub, err := decodeStripeSubscription(raw)
	if err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// GetProjection returns the billing view of one account together with the
// ledger count of its recurring charges, which an override can diverge from.
func (s *Service) GetProjection(ctx context.Context, accountID string) (*Projection, error) {
	acc, err := s.store.Repos().Account.GetByID(ctx, accountID)
	if err != nil {
		return nil, lookupErr(err, "account "+accountID)
	}
	p := projectionOf(acc, s.now())
	p.RecordedInstallments, err = s.store.Repos().Transaction.CountSucceededRecurring(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("count installments of %s: %w", accountID, err)
	}
	return &p, nil
}

// ListTransactions returns the ledger of one account, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]models.Transaction, error) {
	repos := s.store.Repos()
	if _, err := repos.Account.GetByID(ctx, accountID); err != nil {
		return nil, lookupErr(err, "account "+accountID)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return repos.Transaction.ListByAccount(ctx, accountID, offset, limit)
}

// ListLapsed returns accounts whose paid period ended without renewal.
func (s *Service) ListLapsed(ctx context.Context, limit int) ([]Projection, error) {
	now := s.now()
	accounts, err := s.store.Repos().Account.ListLapsed(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Projection, 0, len(accounts))
	for i := range accounts {
		out = append(out, projectionOf(&accounts[i], now))
	}
	return out, nil
}

// SweepLapsed moves lapsed accounts to past_due through ManualOverride and
// returns how many changed. Accounts renewed in the meantime are skipped.
func (s *Service) SweepLapsed(ctx context.Context, limit int) (int, error) {
	lapsed, err := s.ListLapsed(ctx, limit)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, p := range lapsed {
		if p.Status == membership.StatusPastDue {
			continue
		}
		res, err := s.apply(ctx, applyRequest{
			source:    sourceAdmin,
			accountID: p.AccountID,
			command: func(acc *models.Account) (membership.Command, error) {
				end := acc.CurrentPeriodEnd
				if end == nil || !end.Before(s.now()) || acc.SubscriptionStatus == string(membership.StatusPastDue) {
					return nil, nil
				}
				return membership.Override{
					Status:               membership.StatusPastDue,
					InstallmentsPaid:     acc.InstallmentsPaid,
					InstallmentsRequired: acc.InstallmentsRequired,
				}, nil
			},
		})
		if err != nil {
			s.log.Error("lapse sweep failed", zap.String("account_id", p.AccountID), zap.Error(err))
			continue
		}
		if res.Outcome == membership.OutcomeApplied && res.Projection.Status == membership.StatusPastDue {
			marked++
		}
	}
	return marked, nil
}
