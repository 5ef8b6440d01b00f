package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/app/repository"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/metrics"
)

// maxApplyAttempts bounds retries of the optimistic account update.
const maxApplyAttempts = 5

// Config carries the service settings that are not collaborators.
type Config struct {
	SetupTokenSecret string
	SetupTokenTTL    time.Duration
}

// SubscriptionReader fetches a primary processor subscription as raw JSON.
// A missing subscription is reported as stripeapi.ErrNotFound.
type SubscriptionReader interface {
	SubscriptionJSON(ctx context.Context, subscriptionID string) ([]byte, error)
}

// Service is the only writer of membership state. Every operation loads one
// account, runs the state machine and stores the result with a conditional
// update, then hands the produced effects to the sink.
type Service struct {
	store         Store
	sink          EffectSink
	subscriptions SubscriptionReader
	cfg           Config
	log           *zap.Logger
	metrics       *metrics.Billing
	now           func() time.Time
}

// NewService creates a billing service from injected collaborators. sink,
// subscriptions and m may be nil.
func NewService(store Store, sink EffectSink, subscriptions SubscriptionReader, cfg Config, log *zap.Logger, m *metrics.Billing) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SetupTokenTTL <= 0 {
		cfg.SetupTokenTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:         store,
		sink:          sink,
		subscriptions: subscriptions,
		cfg:           cfg,
		log:           log.Named("billing"),
		metrics:       m,
		now:           time.Now,
	}
}

type applyRequest struct {
	source    string
	accountID string
	// command builds the command from the freshly loaded account. A nil
	// command leaves the account untouched.
	command func(acc *models.Account) (membership.Command, error)
	// guard runs inside the transaction before anything is written.
	guard func(ctx context.Context, repos *repository.Repositories, acc *models.Account) error
	// ledger is appended first; a known SourceRef makes the call a duplicate.
	ledger *models.Transaction
	// link updates processor linkage columns and reports whether it did.
	link func(acc *models.Account) bool
}

func fixed(cmd membership.Command) func(*models.Account) (membership.Command, error) {
	return func(*models.Account) (membership.Command, error) { return cmd, nil }
}

func (s *Service) apply(ctx context.Context, req applyRequest) (*Result, error) {
	var (
		acc  *models.Account
		cmd  membership.Command
		prev membership.State
		tr   membership.Transition
	)
	now := s.now()

	for attempt := 1; ; attempt++ {
		err := s.store.WithinTransaction(ctx, func(repos *repository.Repositories) error {
			var err error
			acc, err = repos.Account.GetByID(ctx, req.accountID)
			if err != nil {
				return lookupErr(err, "account "+req.accountID)
			}
			prev = acc.MembershipState()
			if req.guard != nil {
				if err := req.guard(ctx, repos, acc); err != nil {
					return err
				}
			}
			cmd, err = req.command(acc)
			if err != nil {
				return err
			}
			if cmd == nil {
				tr = membership.Transition{State: prev, Outcome: membership.OutcomeIgnored, Reason: "nothing to do"}
				return nil
			}

			if req.ledger != nil {
				entry := *req.ledger
				entry.AccountID = acc.ID
				created, err := repos.Transaction.CreateIfNotExists(ctx, &entry)
				if err != nil {
					return fmt.Errorf("record transaction: %w", err)
				}
				if !created {
					tr = membership.Transition{State: prev, Outcome: membership.OutcomeDuplicate, Reason: "already recorded: " + entry.SourceRef}
					return nil
				}
			}

			tr, err = membership.Apply(prev, cmd, now)
			if err != nil {
				if errors.Is(err, membership.ErrInvalidOverride) {
					return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
				}
				return err
			}

			linked := req.link != nil && req.link(acc)
			if !tr.Changed(prev) && !linked {
				return nil
			}
			acc.SetMembershipState(tr.State)
			if err := repos.Account.CompareAndSwap(ctx, acc); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("%w: %v", ErrConflict, err)
				}
				return err
			}
			return nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrStaleVersion) && attempt < maxApplyAttempts {
			s.log.Debug("account changed concurrently, retrying",
				zap.String("account_id", req.accountID),
				zap.Int("attempt", attempt))
			continue
		}
		return nil, err
	}

	name := membership.CommandName(cmd)
	s.metrics.CommandApplied(req.source, name, string(tr.Outcome))
	fields := []zap.Field{
		zap.String("account_id", acc.ID),
		zap.String("source", req.source),
		zap.String("command", name),
		zap.String("outcome", string(tr.Outcome)),
		zap.String("reason", tr.Reason),
	}
	switch tr.Outcome {
	case membership.OutcomeApplied:
		s.log.Info("membership updated", append(fields,
			zap.String("from", string(prev.Status)),
			zap.String("to", string(tr.State.Status)),
			zap.Int("installments_paid", tr.State.InstallmentsPaid),
			zap.Int("installments_required", tr.State.InstallmentsRequired))...)
	default:
		s.log.Info("membership unchanged", fields...)
	}

	s.dispatch(ctx, acc.ID, tr.Effects)

	return &Result{
		Projection: projectionOf(acc, now),
		Outcome:    tr.Outcome,
		Reason:     tr.Reason,
	}, nil
}

// RecordSuccessfulCharge appends the payment to the ledger and advances the
// installment counter. A SourceRef seen before is a no-op.
func (s *Service) RecordSuccessfulCharge(ctx context.Context, accountID string, c Charge) (*Result, error) {
	ledger, err := ledgerEntry(c)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, applyRequest{
		source:    c.Processor,
		accountID: accountID,
		command:   fixed(c.RecordCharge),
		ledger:    ledger,
	})
}

// RecurringSubscriptionObserved feeds the current state of a primary
// processor subscription to the account.
func (s *Service) RecurringSubscriptionObserved(ctx context.Context, accountID string, obs membership.SubscriptionObserved) (*Result, error) {
	return s.apply(ctx, applyRequest{
		source:    models.ProcessorStripe,
		accountID: accountID,
		command:   fixed(obs),
	})
}

// RecurringSubscriptionEnded marks the linked subscription as terminated.
func (s *Service) RecurringSubscriptionEnded(ctx context.Context, accountID, subscriptionID string) (*Result, error) {
	return s.apply(ctx, applyRequest{
		source:    models.ProcessorStripe,
		accountID: accountID,
		command:   fixed(membership.SubscriptionEnded{SubscriptionID: strings.TrimSpace(subscriptionID)}),
	})
}

// Ingest resolves the account an event refers to, creating it when the
// target allows, and applies the event's command.
func (s *Service) Ingest(ctx context.Context, processor string, ev *Event) (*Result, error) {
	if ev == nil || ev.Command == nil {
		return nil, fmt.Errorf("%w: empty event", ErrInvalidInput)
	}
	acc, err := s.resolve(ctx, ev.Target)
	if err != nil {
		return nil, err
	}

	req := applyRequest{
		source:    processor,
		accountID: acc.ID,
		command:   fixed(ev.Command),
		link:      linkFor(ev),
	}
	if charge, ok := chargeOf(ev.Command); ok {
		req.ledger, err = ledgerEntry(Charge{RecordCharge: charge, Processor: processor, Attribution: ev.Attribution})
		if err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, req)
}

func chargeOf(cmd membership.Command) (membership.RecordCharge, bool) {
	switch c := cmd.(type) {
	case membership.RecordCharge:
		return c, true
	case *membership.RecordCharge:
		return *c, true
	default:
		return membership.RecordCharge{}, false
	}
}

func ledgerEntry(c Charge) (*models.Transaction, error) {
	ref := strings.TrimSpace(c.SourceRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: source reference is required", ErrInvalidInput)
	}
	currency := normalizeCurrency(c.Currency)
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidInput)
	}
	if c.AmountMinor < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	processor := strings.ToLower(strings.TrimSpace(c.Processor))
	if processor == "" {
		return nil, fmt.Errorf("%w: processor is required", ErrInvalidInput)
	}
	return &models.Transaction{
		AmountMinor: c.AmountMinor,
		Currency:    currency,
		Status:      models.TransactionStatusSucceeded,
		Processor:   processor,
		SourceRef:   ref,
		Recurring:   c.Recurring,
		Attribution: strings.TrimSpace(c.Attribution),
	}, nil
}

// linkFor records processor identities carried by an event on the account.
// An existing customer id is never replaced here; only admin link does that.
func linkFor(ev *Event) func(acc *models.Account) bool {
	return func(acc *models.Account) bool {
		changed := false
		if id := strings.TrimSpace(ev.Target.CustomerID); id != "" && acc.PrimaryCustomerID == nil {
			acc.PrimaryCustomerID = models.StringPtr(id)
			changed = true
		}
		if code := strings.TrimSpace(ev.AlternateTransactionCode); code != "" && models.StringValue(acc.AlternateTransactionCode) != code {
			acc.AlternateTransactionCode = models.StringPtr(code)
			changed = true
		}
		return changed
	}
}

// RecordWebhookEvent persists webhook payloads idempotently. Deliveries
// without an event id are keyed by the payload hash.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.store.Repos().WebhookEvent.CreateIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed with its outcome and an
// optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, outcome string, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.store.Repos().WebhookEvent.MarkProcessed(ctx, webhookEventID, outcome, errMsg)
}

// ingestDelivery is the shared tail of both ingestors, run after the
// delivery was authenticated. It returns an error only when the processor
// should retry.
func (s *Service) ingestDelivery(ctx context.Context, in WebhookEventInput, classify func() (*Event, error)) (*Ack, error) {
	created, stored, err := s.RecordWebhookEvent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	ack := &Ack{EventID: stored.ProviderEventID}
	if !created && stored.Finished() {
		ack.Outcome = stored.Outcome
		ack.Duplicate = true
		return ack, nil
	}

	log := s.log.With(
		zap.String("provider", stored.Provider),
		zap.String("event_id", stored.ProviderEventID),
		zap.String("event_type", stored.EventType))

	ev, err := classify()
	if err != nil {
		log.Warn("malformed webhook payload", zap.Error(err))
		s.markDelivery(ctx, stored.ID, DeliveryMalformed, err)
		ack.Outcome = DeliveryMalformed
		return ack, nil
	}
	if ev == nil {
		s.markDelivery(ctx, stored.ID, DeliveryIgnored, nil)
		ack.Outcome = DeliveryIgnored
		return ack, nil
	}

	res, err := s.Ingest(ctx, stored.Provider, ev)
	switch {
	case errors.Is(err, ErrNotFound):
		// left unfinished so a redelivery is processed again
		s.markDelivery(ctx, stored.ID, DeliveryNoAccount, err)
		if _, paid := chargeOf(ev.Command); paid {
			log.Warn("paid charge refers to no known account", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrAccountPending, err)
		}
		log.Info("webhook refers to no known account", zap.Error(err))
		ack.Outcome = DeliveryNoAccount
		return ack, nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput):
		log.Error("webhook rejected", zap.Error(err))
		s.markDelivery(ctx, stored.ID, DeliveryMalformed, err)
		ack.Outcome = DeliveryMalformed
		return ack, nil
	case err != nil:
		s.markDelivery(ctx, stored.ID, "", err)
		return nil, err
	}

	s.markDelivery(ctx, stored.ID, string(res.Outcome), nil)
	ack.Outcome = string(res.Outcome)
	return ack, nil
}

func (s *Service) markDelivery(ctx context.Context, id uint, outcome string, processingErr error) {
	if err := s.MarkWebhookProcessed(ctx, id, outcome, processingErr); err != nil {
		s.log.Error("mark webhook processed failed", zap.Uint("webhook_event_id", id), zap.Error(err))
	}
}

func lookupErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
