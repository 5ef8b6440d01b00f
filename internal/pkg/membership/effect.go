package membership

// EffectKind names a side effect the caller must perform after persisting a
// transition.
type EffectKind string

const (
	EffectCancelSubscription EffectKind = "cancel_subscription"
	EffectNotify             EffectKind = "notify"
)

// NotificationKind names the account event a notification is about.
type NotificationKind string

const (
	NotifyLifetimeReached    NotificationKind = "lifetime_reached"
	NotifyInstallmentCharged NotificationKind = "installment_charged"
	NotifyPastDue            NotificationKind = "past_due"
)

// Effect is a best-effort request produced by a transition. Failure to
// perform it never rolls back the transition.
type Effect struct {
	Kind           EffectKind
	SubscriptionID string
	Notification   NotificationKind
	AmountMinor    int64
	Currency       string
}

func cancelEffect(subscriptionID string) Effect {
	return Effect{Kind: EffectCancelSubscription, SubscriptionID: subscriptionID}
}

func notifyEffect(kind NotificationKind, amountMinor int64, currency string) Effect {
	return Effect{Kind: EffectNotify, Notification: kind, AmountMinor: amountMinor, Currency: currency}
}
