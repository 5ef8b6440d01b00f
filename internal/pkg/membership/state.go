package membership

import (
	"fmt"
	"time"
)

// State is the billing-relevant projection of an account that the state
// machine owns. SubscriptionID is the primary processor subscription the
// account is linked to ("" when detached).
type State struct {
	Status               Status
	InstallmentsPaid     int
	InstallmentsRequired int
	CurrentPeriodEnd     *time.Time
	SubscriptionID       string
}

// GoalReached reports whether enough installments were paid to unlock
// lifetime access.
func (s State) GoalReached() bool {
	return s.InstallmentsRequired > 0 && s.InstallmentsPaid >= s.InstallmentsRequired
}

// Equal compares two states, treating period ends with the same instant as equal.
func (s State) Equal(o State) bool {
	if s.Status != o.Status ||
		s.InstallmentsPaid != o.InstallmentsPaid ||
		s.InstallmentsRequired != o.InstallmentsRequired ||
		s.SubscriptionID != o.SubscriptionID {
		return false
	}
	switch {
	case s.CurrentPeriodEnd == nil && o.CurrentPeriodEnd == nil:
		return true
	case s.CurrentPeriodEnd == nil || o.CurrentPeriodEnd == nil:
		return false
	default:
		return s.CurrentPeriodEnd.Equal(*o.CurrentPeriodEnd)
	}
}

// CheckInvariants verifies the two account invariants: reaching the
// installment goal implies lifetime access, and lifetime access has no
// subscription linkage and no expiry.
func (s State) CheckInvariants() error {
	if s.GoalReached() && s.Status != StatusLifetime {
		return fmt.Errorf("installments %d/%d reached but status is %s", s.InstallmentsPaid, s.InstallmentsRequired, s.Status)
	}
	if s.Status == StatusLifetime {
		if s.SubscriptionID != "" {
			return fmt.Errorf("lifetime access still linked to subscription %s", s.SubscriptionID)
		}
		if s.CurrentPeriodEnd != nil {
			return fmt.Errorf("lifetime access has period end %s", s.CurrentPeriodEnd.Format(time.RFC3339))
		}
	}
	return nil
}
