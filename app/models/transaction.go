package models

import "time"

const (
	ProcessorStripe      = "stripe"
	ProcessorMarketplace = "marketplace"
	ProcessorManual      = "manual"
)

// TransactionStatusSucceeded is the only status that counts toward
// installment progress.
const TransactionStatusSucceeded = "succeeded"

// Transaction is an append-only ledger entry. SourceRef is unique and is the
// idempotence key for charge events.
type Transaction struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   string    `gorm:"type:char(36);not null;index" json:"account_id"`
	AmountMinor int64     `gorm:"not null" json:"amount_minor"`
	Currency    string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status      string    `gorm:"type:varchar(20);not null;default:'succeeded'" json:"status"`
	Processor   string    `gorm:"type:varchar(20);not null;index" json:"processor"`
	SourceRef   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"source_ref"`
	Recurring   bool      `gorm:"not null;default:false" json:"recurring"`
	Attribution string    `gorm:"type:varchar(191);default:''" json:"attribution,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
