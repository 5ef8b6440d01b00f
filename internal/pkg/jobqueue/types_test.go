package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	assert.Equal(t, "cancel_subscription", string(JobTypeCancelSubscription))
	assert.Equal(t, "notify", string(JobTypeNotify))
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Failed", JobStatusFailed, "failed"},
		{"Retrying", JobStatusRetrying, "retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{"Failed job with retries remaining", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"Failed job with no retries remaining", &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"Completed job", &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3}, false},
		{"Pending job", &Job{Status: JobStatusPending, MaxRetries: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: 3}
	before := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("processor unavailable")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "processor unavailable", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
}

func TestCancelSubscriptionPayloadRoundTrip(t *testing.T) {
	p := CancelSubscriptionPayload{AccountID: "acc-1", SubscriptionID: "sub_1"}

	// payloads go through JSON in redis, so decode from the stored form
	raw, err := json.Marshal(p.ToMap())
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &stored))

	got, err := CancelSubscriptionPayloadFromMap(stored)
	require.NoError(t, err)
	assert.Equal(t, p, *got)
}

func TestNotifyPayloadOmitsEmptyFields(t *testing.T) {
	m := NotifyPayload{AccountID: "acc-1", Kind: "lifetime_reached"}.ToMap()
	assert.NotContains(t, m, "amount_minor")
	assert.NotContains(t, m, "setup_token")

	raw, err := json.Marshal(NotifyPayload{AccountID: "acc-1", Kind: "installment_charged", AmountMinor: 3300, Currency: "usd"}.ToMap())
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &stored))
	got, err := NotifyPayloadFromMap(stored)
	require.NoError(t, err)
	assert.Equal(t, int64(3300), got.AmountMinor)
	assert.Equal(t, "usd", got.Currency)
}
