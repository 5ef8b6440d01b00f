package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeCancelSubscription JobType = "cancel_subscription"
	JobTypeNotify             JobType = "notify"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// CancelSubscriptionPayload asks the primary processor to stop billing a
// subscription that became redundant.
type CancelSubscriptionPayload struct {
	AccountID      string `json:"account_id"`
	SubscriptionID string `json:"subscription_id"`
}

// ToMap converts the payload to a map for storage
func (p CancelSubscriptionPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"account_id":      p.AccountID,
		"subscription_id": p.SubscriptionID,
	}
}

// CancelSubscriptionPayloadFromMap creates a payload from a map
func CancelSubscriptionPayloadFromMap(data map[string]interface{}) (*CancelSubscriptionPayload, error) {
	var payload CancelSubscriptionPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

// NotifyPayload is a "notify account X of event Y with amount Z" request.
type NotifyPayload struct {
	AccountID   string `json:"account_id"`
	Kind        string `json:"kind"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
	SetupToken  string `json:"setup_token,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p NotifyPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"account_id": p.AccountID,
		"kind":       p.Kind,
	}
	if p.AmountMinor != 0 {
		m["amount_minor"] = p.AmountMinor
	}
	if p.Currency != "" {
		m["currency"] = p.Currency
	}
	if p.SetupToken != "" {
		m["setup_token"] = p.SetupToken
	}
	return m
}

// NotifyPayloadFromMap creates a payload from a map
func NotifyPayloadFromMap(data map[string]interface{}) (*NotifyPayload, error) {
	var payload NotifyPayload
	err := decodePayload(data, &payload)
	return &payload, err
}

func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
