package repository

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"gorm.io/gorm"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

// Create creates a new account in the database
func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return r.first(ctx, "id = ?", strings.TrimSpace(id))
}

// GetByEmail retrieves an account by email, case-insensitively
func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	normalized := models.NormalizeEmail(email)
	if normalized == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.first(ctx, "email = ?", normalized)
}

func (r *accountRepository) GetByPrimaryCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	return r.first(ctx, "primary_customer_id = ?", strings.TrimSpace(customerID))
}

func (r *accountRepository) GetByPrimarySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error) {
	return r.first(ctx, "primary_subscription_id = ?", strings.TrimSpace(subscriptionID))
}

func (r *accountRepository) GetBySetupTokenHash(ctx context.Context, hash string) (*models.Account, error) {
	return r.first(ctx, "setup_token_hash = ? AND setup_token_hash <> ''", strings.TrimSpace(hash))
}

func (r *accountRepository) first(ctx context.Context, query string, arg string) (*models.Account, error) {
	if arg == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var account models.Account
	if err := r.db.WithContext(ctx).Where(query, arg).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CompareAndSwap performs the optimistic update. A row that moved on since
// it was read yields ErrStaleVersion and nothing is written.
func (r *accountRepository) CompareAndSwap(ctx context.Context, account *models.Account) error {
	now := time.Now()
	updates := map[string]interface{}{
		"email":                      models.NormalizeEmail(account.Email),
		"display_name":               account.DisplayName,
		"password_hash":              account.PasswordHash,
		"setup_token_hash":           account.SetupTokenHash,
		"setup_token_expires_at":     account.SetupTokenExpiresAt,
		"subscription_status":        account.SubscriptionStatus,
		"installments_paid":          account.InstallmentsPaid,
		"installments_required":      account.InstallmentsRequired,
		"current_period_end":         account.CurrentPeriodEnd,
		"primary_customer_id":        account.PrimaryCustomerID,
		"primary_subscription_id":    account.PrimarySubscriptionID,
		"alternate_transaction_code": account.AlternateTransactionCode,
		"version":                    gorm.Expr("version + 1"),
		"updated_at":                 now,
	}
	tx := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleVersion
	}
	account.Version++
	account.UpdatedAt = now
	return nil
}

// ListLapsed returns accounts whose access period ended without renewal.
func (r *accountRepository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	statuses := []string{
		string(membership.StatusTrialing),
		string(membership.StatusActive),
		string(membership.StatusPastDue),
		string(membership.StatusSMMAOnly),
	}
	var accounts []models.Account
	err := r.db.WithContext(ctx).
		Where("subscription_status IN ? AND current_period_end IS NOT NULL AND current_period_end < ?", statuses, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
