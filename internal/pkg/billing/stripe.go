package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/catalog"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/metrics"
)

// metadataAccountID is set on checkout sessions and subscriptions we create.
const metadataAccountID = "account_id"

// StripeIngestor verifies and classifies primary processor webhooks.
type StripeIngestor struct {
	svc     *Service
	secret  string
	log     *zap.Logger
	metrics *metrics.Billing
}

func NewStripeIngestor(svc *Service, webhookSecret string, log *zap.Logger, m *metrics.Billing) *StripeIngestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &StripeIngestor{svc: svc, secret: webhookSecret, log: log.Named("stripe_webhook"), metrics: m}
}

// Handle authenticates one delivery and feeds it to the service. Only
// ErrAuthenticationFailure and persistence errors are returned.
func (i *StripeIngestor) Handle(ctx context.Context, payload []byte, signatureHeader string) (*Ack, error) {
	if strings.TrimSpace(i.secret) == "" {
		i.metrics.WebhookRejected(models.ProcessorStripe, "not_configured")
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrAuthenticationFailure)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		i.metrics.WebhookRejected(models.ProcessorStripe, "signature")
		i.log.Warn("webhook signature rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}

	return i.svc.ingestDelivery(ctx, WebhookEventInput{
		Provider:        models.ProcessorStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	}, func() (*Event, error) {
		return ClassifyStripeEvent(event.Type, event.Data.Raw)
	})
}

// ClassifyStripeEvent turns an event into one command. Types we do not act
// on yield a nil event.
func ClassifyStripeEvent(eventType stripe.EventType, raw json.RawMessage) (*Event, error) {
	switch eventType {
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		var inv stripeInvoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		return inv.event()

	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripeCheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		return cs.event()

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated, stripe.EventTypeCustomerSubscriptionDeleted:
		sub, err := decodeStripeSubscription(raw)
		if err != nil {
			return nil, err
		}
		ev := &Event{Target: Target{
			CustomerID:     sub.Customer.ID,
			SubscriptionID: sub.ID,
			AccountID:      sub.Metadata[metadataAccountID],
		}}
		switch eventType {
		case stripe.EventTypeCustomerSubscriptionDeleted:
			ev.Command = membership.SubscriptionEnded{SubscriptionID: sub.ID}
		case stripe.EventTypeCustomerSubscriptionCreated:
			ev.Command = sub.observed(membership.AttachIfVacant)
		default:
			ev.Command = sub.observed(membership.AttachNone)
		}
		return ev, nil

	default:
		return nil, nil
	}
}

// expandableID accepts either an object id or the expanded object.
type expandableID struct {
	ID string
}

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		e.ID = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type stripePrice struct {
	ID         string            `json:"id"`
	Currency   string            `json:"currency"`
	UnitAmount int64             `json:"unit_amount"`
	Metadata   map[string]string `json:"metadata"`
}

type stripeSubscriptionItem struct {
	CurrentPeriodEnd int64       `json:"current_period_end"`
	Quantity         int64       `json:"quantity"`
	Price            stripePrice `json:"price"`
}

type stripeSubscription struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Status   string       `json:"status"`
	// Older API versions carry the period on the subscription, newer ones
	// on each item.
	CurrentPeriodEnd int64             `json:"current_period_end"`
	CancelAt         int64             `json:"cancel_at"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

func decodeStripeSubscription(raw []byte) (*stripeSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("decode subscription: missing id")
	}
	return &sub, nil
}

func (s *stripeSubscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, it := range s.Items.Data {
		if it.CurrentPeriodEnd > end {
			end = it.CurrentPeriodEnd
		}
	}
	return unixTime(end)
}

// installments reads the tier's installment count from the subscription
// metadata, falling back to the price metadata.
func (s *stripeSubscription) installments() int {
	if n := catalog.InstallmentsFromMetadata(s.Metadata); n > 0 {
		return n
	}
	for _, it := range s.Items.Data {
		if n := catalog.InstallmentsFromMetadata(it.Price.Metadata); n > 0 {
			return n
		}
	}
	return 0
}

func (s *stripeSubscription) recurringAmount() (int64, string) {
	var total int64
	currency := s.Currency
	for _, it := range s.Items.Data {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += it.Price.UnitAmount * qty
		if currency == "" {
			currency = it.Price.Currency
		}
	}
	return total, normalizeCurrency(currency)
}

func (s *stripeSubscription) observed(mode membership.AttachMode) membership.SubscriptionObserved {
	amount, currency := s.recurringAmount()
	return membership.SubscriptionObserved{
		SubscriptionID:       s.ID,
		RawStatus:            s.Status,
		PeriodEnd:            s.periodEnd(),
		CancelAt:             unixTime(s.CancelAt),
		InstallmentsRequired: s.installments(),
		RecurringAmountMinor: amount,
		Currency:             currency,
		Attach:               mode,
	}
}

type stripeInvoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	AmountPaid    int64        `json:"amount_paid"`
	Currency      string       `json:"currency"`
	Status        string       `json:"status"`
	// Subscription is where older API versions put the subscription.
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails invoiceSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	// SubscriptionDetails is the pre-parent location of the metadata.
	SubscriptionDetails invoiceSubscriptionDetails `json:"subscription_details"`
}

type invoiceSubscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (inv *stripeInvoice) subscriptionID() string {
	if id := inv.Parent.SubscriptionDetails.Subscription.ID; id != "" {
		return id
	}
	return inv.Subscription.ID
}

func (inv *stripeInvoice) metadata() map[string]string {
	if md := inv.Parent.SubscriptionDetails.Metadata; len(md) > 0 {
		return md
	}
	return inv.SubscriptionDetails.Metadata
}

func (inv *stripeInvoice) event() (*Event, error) {
	if inv.ID == "" {
		return nil, fmt.Errorf("invoice without id")
	}
	subID := inv.subscriptionID()
	// One-time purchases settle through checkout; zero invoices are trials.
	if subID == "" || inv.AmountPaid <= 0 {
		return nil, nil
	}
	md := inv.metadata()
	// A paid installment may beat the checkout event; the buyer's account
	// is then found or created by email like for any first payment.
	return &Event{
		Target: Target{
			CustomerID:      inv.Customer.ID,
			SubscriptionID:  subID,
			AccountID:       md[metadataAccountID],
			Email:           inv.CustomerEmail,
			AllowEmail:      true,
			CreateIfMissing: true,
		},
		Command: membership.RecordCharge{
			AmountMinor:          inv.AmountPaid,
			Currency:             normalizeCurrency(inv.Currency),
			SourceRef:            models.ProcessorStripe + ":" + inv.ID,
			Recurring:            true,
			SubscriptionID:       subID,
			InstallmentsRequired: catalog.InstallmentsFromMetadata(md),
		},
	}, nil
}

type stripeCheckoutSession struct {
	ID                string       `json:"id"`
	Mode              string       `json:"mode"`
	PaymentStatus     string       `json:"payment_status"`
	Customer          expandableID `json:"customer"`
	CustomerEmail     string       `json:"customer_email"`
	ClientReferenceID string       `json:"client_reference_id"`
	CustomerDetails   struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Subscription  expandableID      `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (cs *stripeCheckoutSession) event() (*Event, error) {
	if cs.ID == "" {
		return nil, fmt.Errorf("checkout session without id")
	}
	email := cs.CustomerDetails.Email
	if email == "" {
		email = cs.CustomerEmail
	}
	accountID := cs.ClientReferenceID
	if accountID == "" {
		accountID = cs.Metadata[metadataAccountID]
	}
	target := Target{
		CustomerID:  cs.Customer.ID,
		AccountID:   accountID,
		Email:       email,
		DisplayName: cs.CustomerDetails.Name,
		AllowEmail:  true,
	}

	switch stripe.CheckoutSessionMode(cs.Mode) {
	case stripe.CheckoutSessionModePayment:
		if stripe.CheckoutSessionPaymentStatus(cs.PaymentStatus) != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, nil
		}
		ref := cs.PaymentIntent.ID
		if ref == "" {
			ref = cs.ID
		}
		target.CreateIfMissing = true
		return &Event{
			Target: target,
			Command: membership.RecordCharge{
				AmountMinor: cs.AmountTotal,
				Currency:    normalizeCurrency(cs.Currency),
				SourceRef:   models.ProcessorStripe + ":" + ref,
			},
			Attribution: cs.Metadata["attribution"],
		}, nil

	case stripe.CheckoutSessionModeSubscription:
		if cs.Subscription.ID == "" {
			return nil, nil
		}
		status := string(stripe.SubscriptionStatusIncomplete)
		switch stripe.CheckoutSessionPaymentStatus(cs.PaymentStatus) {
		case stripe.CheckoutSessionPaymentStatusPaid:
			status = string(stripe.SubscriptionStatusActive)
		case stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
			status = string(stripe.SubscriptionStatusTrialing)
		}
		n := catalog.InstallmentsFromMetadata(cs.Metadata)
		target.SubscriptionID = cs.Subscription.ID
		// a paid subscription checkout is a first payment too
		target.CreateIfMissing = status == string(stripe.SubscriptionStatusActive)
		return &Event{
			Target: target,
			Command: membership.SubscriptionObserved{
				SubscriptionID:       cs.Subscription.ID,
				RawStatus:            status,
				InstallmentsRequired: n,
				RecurringAmountMinor: cs.AmountTotal,
				Currency:             normalizeCurrency(cs.Currency),
				Attach:               membership.AttachIfVacant,
			},
		}, nil

	default:
		return nil, nil
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
