package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
)

// Account is one human: identity, membership counters and the linkage
// identifiers for both payment processors. The membership columns are only
// written through the billing service.
type Account struct {
	ID                       string     `gorm:"type:char(36);primaryKey" json:"id"`
	Email                    string     `gorm:"type:varchar(200);not null;uniqueIndex" json:"email" validate:"required,email,max=200"`
	DisplayName              string     `gorm:"type:varchar(150);default:''" json:"display_name" validate:"max=150"`
	PasswordHash             string     `gorm:"type:text" json:"-"`
	SetupTokenHash           string     `gorm:"type:char(64);default:'';index" json:"-"`
	SetupTokenExpiresAt      *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	SubscriptionStatus       string     `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_accounts_status_period,priority:1" json:"subscription_status" validate:"required,oneof=incomplete trialing active past_due canceled lifetime_access smma_only"`
	InstallmentsPaid         int        `gorm:"not null;default:0" json:"installments_paid" validate:"gte=0"`
	InstallmentsRequired     int        `gorm:"not null;default:1" json:"installments_required" validate:"gte=1"`
	CurrentPeriodEnd         *time.Time `gorm:"type:timestamp;default:null;index:idx_accounts_status_period,priority:2" json:"current_period_end,omitempty"`
	PrimaryCustomerID        *string    `gorm:"type:varchar(191);uniqueIndex" json:"primary_customer_id,omitempty"`
	PrimarySubscriptionID    *string    `gorm:"type:varchar(191);uniqueIndex" json:"primary_subscription_id,omitempty"`
	AlternateTransactionCode *string    `gorm:"type:varchar(191);default:null" json:"alternate_transaction_code,omitempty"`
	Version                  int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt                time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewAccount builds an account in its signup state.
func NewAccount(email, displayName string) *Account {
	return &Account{
		ID:                   uuid.NewString(),
		Email:                NormalizeEmail(email),
		DisplayName:          strings.TrimSpace(displayName),
		SubscriptionStatus:   string(membership.StatusIncomplete),
		InstallmentsRequired: 1,
	}
}

// BeforeCreate fills the id and keeps the email lower-cased so the unique
// index is case-insensitive on every backend.
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Email = NormalizeEmail(a.Email)
	return nil
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// MembershipState projects the membership columns into the state machine's view.
func (a *Account) MembershipState() membership.State {
	return membership.State{
		Status:               membership.Status(a.SubscriptionStatus),
		InstallmentsPaid:     a.InstallmentsPaid,
		InstallmentsRequired: a.InstallmentsRequired,
		CurrentPeriodEnd:     a.CurrentPeriodEnd,
		SubscriptionID:       deref(a.PrimarySubscriptionID),
	}
}

// SetMembershipState copies a computed state back onto the account.
func (a *Account) SetMembershipState(s membership.State) {
	a.SubscriptionStatus = string(s.Status)
	a.InstallmentsPaid = s.InstallmentsPaid
	a.InstallmentsRequired = s.InstallmentsRequired
	a.CurrentPeriodEnd = s.CurrentPeriodEnd
	a.PrimarySubscriptionID = optional(s.SubscriptionID)
}

// IssueSetupToken stores the hash of token and its expiry. The raw token is
// only ever handed to the notification collaborator.
func (a *Account) IssueSetupToken(token string, expiresAt time.Time) {
	a.SetupTokenHash = HashToken(token)
	a.SetupTokenExpiresAt = &expiresAt
}

// SetPassword hashes password and consumes the setup token.
func (a *Account) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.PasswordHash = string(hash)
	a.SetupTokenHash = ""
	a.SetupTokenExpiresAt = nil
	return nil
}

// CheckPassword verifies password against the stored hash.
func (a *Account) CheckPassword(password string) bool {
	if a.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashToken returns the SHA-256 hex digest used to store one-time tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// StringPtr returns nil for blank values so nullable unique columns stay NULL.
func StringPtr(s string) *string {
	return optional(s)
}

// StringValue dereferences a nullable column.
func StringValue(s *string) string {
	return deref(s)
}
