package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
)

// EffectSink accepts the side effects of committed transitions. Both calls
// must return quickly; the work itself happens elsewhere.
type EffectSink interface {
	CancelSubscription(ctx context.Context, accountID, subscriptionID string) error
	Notify(ctx context.Context, n jobqueue.NotifyPayload) error
}

// Enqueuer is the part of the job queue the sink needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// QueueSink turns effects into background jobs.
type QueueSink struct {
	queue Enqueuer
}

func NewQueueSink(queue Enqueuer) *QueueSink {
	return &QueueSink{queue: queue}
}

func (s *QueueSink) CancelSubscription(ctx context.Context, accountID, subscriptionID string) error {
	p := jobqueue.CancelSubscriptionPayload{AccountID: accountID, SubscriptionID: subscriptionID}
	_, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeCancelSubscription, p.ToMap())
	return err
}

func (s *QueueSink) Notify(ctx context.Context, n jobqueue.NotifyPayload) error {
	_, err := s.queue.EnqueueJob(ctx, jobqueue.JobTypeNotify, n.ToMap())
	return err
}

// SubscriptionCanceler cancels a subscription at the primary processor.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// CancelSubscriptionHandler runs cancel_subscription jobs.
func CancelSubscriptionHandler(canceler SubscriptionCanceler, log *zap.Logger) jobqueue.Handler {
	return jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.CancelSubscriptionPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.SubscriptionID == "" {
			return nil
		}
		if err := canceler.CancelSubscription(ctx, p.SubscriptionID); err != nil {
			return err
		}
		log.Info("canceled redundant subscription",
			zap.String("account_id", p.AccountID),
			zap.String("subscription_id", p.SubscriptionID))
		return nil
	})
}

// dispatch hands effects to the sink. Failures are logged and counted but
// never undo the committed state.
func (s *Service) dispatch(ctx context.Context, accountID string, effects []membership.Effect) {
	if len(effects) == 0 || s.sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, e := range effects {
		var err error
		switch e.Kind {
		case membership.EffectCancelSubscription:
			err = s.sink.CancelSubscription(ctx, accountID, e.SubscriptionID)
		case membership.EffectNotify:
			err = s.sink.Notify(ctx, jobqueue.NotifyPayload{
				AccountID:   accountID,
				Kind:        string(e.Notification),
				AmountMinor: e.AmountMinor,
				Currency:    e.Currency,
			})
		default:
			err = fmt.Errorf("unknown effect %q", e.Kind)
		}
		s.metrics.SideEffect(string(e.Kind), err)
		if err != nil {
			s.log.Error("side effect failed",
				zap.String("account_id", accountID),
				zap.String("effect", string(e.Kind)),
				zap.String("subscription_id", e.SubscriptionID),
				zap.String("notification", string(e.Notification)),
				zap.Error(err))
		}
	}
}
