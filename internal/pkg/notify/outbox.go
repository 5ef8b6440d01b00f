package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
)

// OutboxKey is the redis list the email collaborator consumes with BRPOP.
const OutboxKey = "notify:outbox"

const (
	KindAccountCreated = "account_created"
)

// Notification is the wire shape handed to the delivery collaborator.
// Templating and delivery happen there.
type Notification struct {
	AccountID   string    `json:"account_id"`
	Kind        string    `json:"kind"`
	AmountMinor int64     `json:"amount_minor,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	SetupToken  string    `json:"setup_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publisher puts a notification into the outbox.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// RedisOutbox appends notifications to a redis list.
type RedisOutbox struct {
	client *redis.Client
	key    string
}

func NewRedisOutbox(client *redis.Client) *RedisOutbox {
	return &RedisOutbox{client: client, key: OutboxKey}
}

func (o *RedisOutbox) Publish(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return o.client.LPush(ctx, o.key, data).Err()
}

// JobHandler drains notify jobs from the job queue into the outbox.
type JobHandler struct {
	publisher Publisher
}

func NewJobHandler(p Publisher) *JobHandler {
	return &JobHandler{publisher: p}
}

func (h *JobHandler) Handle(ctx context.Context, job *jobqueue.Job) error {
	p, err := jobqueue.NotifyPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("decode notify payload: %w", err)
	}
	return h.publisher.Publish(ctx, Notification{
		AccountID:   p.AccountID,
		Kind:        p.Kind,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		SetupToken:  p.SetupToken,
	})
}
