package membership

import (
	"fmt"
	"time"
)

// RenewalWindow is how far a manually recorded installment extends access
// for accounts without a recurring subscription.
const RenewalWindow = 30 * 24 * time.Hour

// Outcome classifies what a command did to the account.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Transition is the result of applying a command: the next state and the
// side effects the caller drains after persisting it.
type Transition struct {
	State   State
	Effects []Effect
	Outcome Outcome
	Reason  string
}

// Changed reports whether the transition produced a different state.
func (t Transition) Changed(prev State) bool {
	return !t.State.Equal(prev)
}

// Apply computes the next state for cur. It performs no I/O; idempotence by
// source reference is the caller's job because it needs the ledger.
func Apply(cur State, cmd Command, now time.Time) (Transition, error) {
	switch c := cmd.(type) {
	case RecordCharge:
		return applyCharge(cur, c), nil
	case *RecordCharge:
		return applyCharge(cur, *c), nil
	case SubscriptionObserved:
		return applyObserved(cur, c), nil
	case *SubscriptionObserved:
		return applyObserved(cur, *c), nil
	case SubscriptionEnded:
		return applyEnded(cur, c), nil
	case *SubscriptionEnded:
		return applyEnded(cur, *c), nil
	case Override:
		return applyOverride(cur, c, now)
	case *Override:
		return applyOverride(cur, *c, now)
	default:
		return Transition{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func unchanged(cur State, outcome Outcome, reason string) Transition {
	return Transition{State: cur, Outcome: outcome, Reason: reason}
}

func applyCharge(cur State, c RecordCharge) Transition {
	next := cur
	var effects []Effect

	if !c.Recurring {
		next.InstallmentsPaid = 1
		next.InstallmentsRequired = 1
		next.Status = StatusLifetime
		effects = settle(cur, &next, effects, c.SubscriptionID)
		return Transition{State: next, Effects: effects, Outcome: OutcomeApplied, Reason: "one-shot charge"}
	}

	if c.InstallmentsRequired > 0 && adoptsPlan(cur, c.SubscriptionID) {
		next.InstallmentsRequired = c.InstallmentsRequired
	}
	next.InstallmentsPaid++
	if next.InstallmentsRequired < 1 {
		next.InstallmentsRequired = 1
	}
	effects = append(effects, notifyEffect(NotifyInstallmentCharged, c.AmountMinor, c.Currency))
	effects = settle(cur, &next, effects, c.SubscriptionID)
	return Transition{
		State:   next,
		Effects: effects,
		Outcome: OutcomeApplied,
		Reason:  fmt.Sprintf("installment %d/%d", next.InstallmentsPaid, next.InstallmentsRequired),
	}
}

func applyObserved(cur State, c SubscriptionObserved) Transition {
	if cur.Status == StatusLifetime {
		return unchanged(cur, OutcomeIgnored, "lifetime access is terminal")
	}
	if c.SubscriptionID == "" {
		return unchanged(cur, OutcomeIgnored, "subscription id missing")
	}
	if stale(cur, c.SubscriptionID, c.Attach) {
		return unchanged(cur, OutcomeStale, fmt.Sprintf("linked to %s, event for %s", cur.SubscriptionID, c.SubscriptionID))
	}

	next := cur
	attaching := cur.SubscriptionID != c.SubscriptionID
	next.SubscriptionID = c.SubscriptionID
	next.Status = MapProcessorStatus(c.RawStatus)
	switch {
	case c.CancelAt != nil:
		next.CurrentPeriodEnd = copyTime(c.CancelAt)
	case c.PeriodEnd != nil:
		next.CurrentPeriodEnd = copyTime(c.PeriodEnd)
	}
	if attaching && c.InstallmentsRequired > 0 {
		next.InstallmentsRequired = c.InstallmentsRequired
	}

	var effects []Effect
	if next.Status == StatusPastDue && cur.Status != StatusPastDue {
		effects = append(effects, notifyEffect(NotifyPastDue, c.RecurringAmountMinor, c.Currency))
	}
	effects = settle(cur, &next, effects, c.SubscriptionID)
	return Transition{State: next, Effects: effects, Outcome: OutcomeApplied, Reason: "subscription " + string(next.Status)}
}

func applyEnded(cur State, c SubscriptionEnded) Transition {
	if cur.Status == StatusLifetime {
		return unchanged(cur, OutcomeIgnored, "lifetime access is terminal")
	}
	if c.SubscriptionID == "" {
		return unchanged(cur, OutcomeIgnored, "subscription id missing")
	}
	if stale(cur, c.SubscriptionID, AttachNone) {
		return unchanged(cur, OutcomeStale, fmt.Sprintf("linked to %s, end for %s", cur.SubscriptionID, c.SubscriptionID))
	}
	next := cur
	next.Status = StatusCanceled
	next.CurrentPeriodEnd = nil
	return Transition{State: next, Outcome: OutcomeApplied, Reason: "subscription ended"}
}

func applyOverride(cur State, o Override, now time.Time) (Transition, error) {
	if o.InstallmentsPaid < 0 || o.InstallmentsRequired < 1 {
		return Transition{}, fmt.Errorf("%w: installments %d/%d", ErrInvalidOverride, o.InstallmentsPaid, o.InstallmentsRequired)
	}
	if _, ok := ParseStatus(string(o.Status)); !ok {
		return Transition{}, fmt.Errorf("%w: status %q", ErrInvalidOverride, o.Status)
	}
	tier := o.PayingTier
	switch tier {
	case "":
		tier = StatusActive
	case StatusActive, StatusSMMAOnly:
	default:
		return Transition{}, fmt.Errorf("%w: paying tier %q", ErrInvalidOverride, o.PayingTier)
	}

	next := cur
	next.Status = o.Status
	next.InstallmentsPaid = o.InstallmentsPaid
	next.InstallmentsRequired = o.InstallmentsRequired
	switch {
	case o.CurrentPeriodEnd != nil:
		next.CurrentPeriodEnd = copyTime(o.CurrentPeriodEnd)
	case o.ClearPeriodEnd:
		next.CurrentPeriodEnd = nil
	}

	// Offline payers have no processor to renew them.
	if o.InstallmentsPaid > cur.InstallmentsPaid && !next.GoalReached() && cur.SubscriptionID == "" {
		if o.CurrentPeriodEnd == nil && !o.ClearPeriodEnd {
			from := now
			if cur.CurrentPeriodEnd != nil && cur.CurrentPeriodEnd.After(now) {
				from = *cur.CurrentPeriodEnd
			}
			end := from.Add(RenewalWindow)
			next.CurrentPeriodEnd = &end
		}
		if cur.Status == StatusPastDue && next.Status == StatusPastDue {
			next.Status = tier
		}
	}

	effects := settle(cur, &next, nil, "")
	return Transition{State: next, Effects: effects, Outcome: OutcomeApplied, Reason: "manual override"}, nil
}

// stale reports whether an event for subscriptionID belongs to a
// subscription the account has already moved on from.
func stale(cur State, subscriptionID string, mode AttachMode) bool {
	if cur.SubscriptionID == "" || cur.SubscriptionID == subscriptionID {
		return false
	}
	switch mode {
	case AttachForce:
		return false
	case AttachIfVacant:
		return cur.Status.IsLive()
	default:
		return true
	}
}

// adoptsPlan reports whether a charge for subscriptionID may set the
// installment goal: the account has no subscription of its own yet, or only
// one that is no longer live. Lifetime accounts keep their counters.
func adoptsPlan(cur State, subscriptionID string) bool {
	if cur.Status == StatusLifetime || subscriptionID == "" {
		return false
	}
	if cur.SubscriptionID == "" {
		return true
	}
	return cur.SubscriptionID != subscriptionID && !cur.Status.IsLive()
}

// settle enforces both invariants on next. When next ends up with lifetime
// access any linked subscription is detached and a cancel is requested for
// it, plus for fallback when that is a different id.
func settle(cur State, next *State, effects []Effect, fallback string) []Effect {
	if next.GoalReached() {
		next.Status = StatusLifetime
	}
	if next.Status != StatusLifetime {
		return effects
	}

	targets := make([]string, 0, 2)
	if next.SubscriptionID != "" {
		targets = append(targets, next.SubscriptionID)
	}
	if fallback != "" && fallback != next.SubscriptionID {
		targets = append(targets, fallback)
	}
	next.SubscriptionID = ""
	next.CurrentPeriodEnd = nil
	for _, id := range targets {
		effects = append(effects, cancelEffect(id))
	}
	if cur.Status != StatusLifetime {
		effects = append(effects, notifyEffect(NotifyLifetimeReached, 0, ""))
	}
	return effects
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
