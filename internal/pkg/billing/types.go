package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/entitlements"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
)

// Projection is the read-only billing view of an account handed to the
// admin and reporting side.
type Projection struct {
	AccountID                string              `json:"account_id"`
	Email                    string              `json:"email"`
	Status                   membership.Status   `json:"subscription_status"`
	InstallmentsPaid         int                 `json:"installments_paid"`
	InstallmentsRequired     int                 `json:"installments_required"`
	CurrentPeriodEnd         *time.Time          `json:"current_period_end"`
	PrimaryCustomerID        string              `json:"primary_customer_id,omitempty"`
	PrimarySubscriptionID    string              `json:"primary_subscription_id,omitempty"`
	AlternateTransactionCode string              `json:"alternate_transaction_code,omitempty"`
	Access                   entitlements.Access `json:"access"`
	// RecordedInstallments counts succeeded recurring charges in the ledger.
	// Only the single account view fills it.
	RecordedInstallments int64 `json:"recorded_installments,omitempty"`
}

// Result is what every state machine operation returns.
type Result struct {
	Projection Projection         `json:"account"`
	Outcome    membership.Outcome `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
}

// Charge is a successful payment together with its ledger metadata.
type Charge struct {
	membership.RecordCharge
	Processor   string
	Attribution string
}

// ManualPayment is an offline payment recorded alongside an override.
type ManualPayment struct {
	AmountMinor int64
	Currency    string
	Reference   string
}

// OverrideRequest is an admin correction, optionally backed by a payment
// that lands in the ledger. A repeated Payment.Reference is a no-op.
type OverrideRequest struct {
	membership.Override
	Payment *ManualPayment
}

// Target says which account an event refers to. Lookups run in order:
// customer id, subscription id, account id, then email when allowed.
type Target struct {
	CustomerID     string
	SubscriptionID string
	AccountID      string
	Email          string
	DisplayName    string
	// AllowEmail enables the email fallback.
	AllowEmail bool
	// CreateIfMissing creates the account for a first payment.
	CreateIfMissing bool
}

// Event is a classified webhook delivery: exactly one command plus what is
// needed to find the account and record the ledger entry.
type Event struct {
	Target      Target
	Command     membership.Command
	Attribution string
	// AlternateTransactionCode is remembered as the last seen marketplace
	// transaction.
	AlternateTransactionCode string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// Ack is the body returned to a processor for an accepted delivery.
type Ack struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Outcomes recorded for deliveries that never reach the state machine.
const (
	DeliveryIgnored   = "ignored"
	DeliveryMalformed = "malformed"
	DeliveryNoAccount = "no_account"
)

func projectionOf(a *models.Account, now time.Time) Projection {
	state := a.MembershipState()
	return Projection{
		AccountID:                a.ID,
		Email:                    a.Email,
		Status:                   state.Status,
		InstallmentsPaid:         state.InstallmentsPaid,
		InstallmentsRequired:     state.InstallmentsRequired,
		CurrentPeriodEnd:         state.CurrentPeriodEnd,
		PrimaryCustomerID:        models.StringValue(a.PrimaryCustomerID),
		PrimarySubscriptionID:    state.SubscriptionID,
		AlternateTransactionCode: models.StringValue(a.AlternateTransactionCode),
		Access:                   entitlements.ForState(state, now),
	}
}

func normalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
