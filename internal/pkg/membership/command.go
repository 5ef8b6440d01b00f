package membership

import "time"

// Command is one of the four inputs the state machine accepts.
type Command interface {
	commandName() string
}

// RecordCharge is a successful payment. Recurring marks an installment of a
// recurring subscription; otherwise it is a one-shot full-price payment.
type RecordCharge struct {
	AmountMinor    int64
	Currency       string
	SourceRef      string
	Recurring      bool
	SubscriptionID string
	// InstallmentsRequired comes from offer metadata on the invoice. It sets
	// the goal when the charge arrives before the subscription is attached.
	InstallmentsRequired int
}

// AttachMode controls how a subscription event may (re)attach a
// subscription id to an account.
type AttachMode int

const (
	// AttachNone applies the event only to the linked subscription, or
	// attaches it when the account has none.
	AttachNone AttachMode = iota
	// AttachIfVacant additionally replaces a linked subscription that is no
	// longer live. Used for subscription-start events.
	AttachIfVacant
	// AttachForce always attaches. Used by admin link and sync.
	AttachForce
)

// SubscriptionObserved reports the current state of a recurring subscription.
type SubscriptionObserved struct {
	SubscriptionID string
	RawStatus      string
	PeriodEnd      *time.Time
	// CancelAt is the cancellation-effective time of a subscription that is
	// scheduled to cancel. It takes precedence over PeriodEnd.
	CancelAt *time.Time
	// InstallmentsRequired comes from offer metadata and is only honoured
	// when a new subscription gets attached.
	InstallmentsRequired int
	RecurringAmountMinor int64
	Currency             string
	Attach               AttachMode
}

// SubscriptionEnded reports that a recurring subscription was terminated.
type SubscriptionEnded struct {
	SubscriptionID string
}

// Override is an authoritative admin correction.
type Override struct {
	Status               Status
	InstallmentsPaid     int
	InstallmentsRequired int
	CurrentPeriodEnd     *time.Time
	// ClearPeriodEnd removes the expiry (permanently-active grant). A nil
	// CurrentPeriodEnd without it leaves the expiry unchanged.
	ClearPeriodEnd bool
	// PayingTier is restored when an offline payer leaves past_due. Defaults
	// to StatusActive.
	PayingTier Status
}

func (RecordCharge) commandName() string         { return "record_charge" }
func (SubscriptionObserved) commandName() string { return "subscription_observed" }
func (SubscriptionEnded) commandName() string    { return "subscription_ended" }
func (Override) commandName() string             { return "manual_override" }

// CommandName returns a stable name for logs and metrics.
func CommandName(cmd Command) string {
	if cmd == nil {
		return "none"
	}
	return cmd.commandName()
}
