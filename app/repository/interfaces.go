package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/MemberHub/app/models"
	"gorm.io/gorm"
)

// ErrStaleVersion is returned by AccountRepository.CompareAndSwap when the
// row changed since it was read.
var ErrStaleVersion = errors.New("account version changed concurrently")

// AccountRepository defines the persistence boundary for accounts. No
// business rules live here.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByPrimaryCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	GetByPrimarySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error)
	GetBySetupTokenHash(ctx context.Context, hash string) (*models.Account, error)
	// CompareAndSwap writes every mutable column of account if its stored
	// version still equals account.Version, then bumps the version.
	CompareAndSwap(ctx context.Context, account *models.Account) error
	// ListLapsed returns accounts with a recurring-style status whose period
	// ended before now.
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.Account, error)
}

// TransactionRepository defines the append-only ledger.
type TransactionRepository interface {
	// CreateIfNotExists inserts txn unless its SourceRef is already recorded.
	CreateIfNotExists(ctx context.Context, txn *models.Transaction) (bool, error)
	GetBySourceRef(ctx context.Context, sourceRef string) (*models.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, offset, limit int) ([]models.Transaction, error)
	CountSucceededRecurring(ctx context.Context, accountID string) (int64, error)
}

// WebhookEventRepository stores raw processor deliveries.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, outcome, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Account      AccountRepository
	Transaction  TransactionRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:      NewAccountRepository(db),
		Transaction:  NewTransactionRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
