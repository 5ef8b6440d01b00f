package repository

import (
	"context"
	"strings"

	"github.com/ManuelReschke/MemberHub/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a ledger repository backed by GORM.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// CreateIfNotExists relies on the unique source_ref index, so two concurrent
// deliveries of one event cannot both insert.
func (r *transactionRepository) CreateIfNotExists(ctx context.Context, txn *models.Transaction) (bool, error) {
	if strings.TrimSpace(txn.SourceRef) == "" {
		return false, gorm.ErrInvalidValue
	}
	if txn.Status == "" {
		txn.Status = models.TransactionStatusSucceeded
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_ref"}},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *transactionRepository) GetBySourceRef(ctx context.Context, sourceRef string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("source_ref = ?", sourceRef).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *transactionRepository) ListByAccount(ctx context.Context, accountID string, offset, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) CountSucceededRecurring(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("account_id = ? AND status = ? AND recurring = ?", accountID, models.TransactionStatusSucceeded, true).
		Count(&count).Error
	return count, err
}
