package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProcessorStatus(t *testing.T) {
	tests := []struct {
		raw      string
		expected Status
	}{
		{"trialing", StatusTrialing},
		{"active", StatusActive},
		{"ACTIVE", StatusActive},
		{"past_due", StatusPastDue},
		{"canceled", StatusCanceled},
		{"cancelled", StatusCanceled},
		{"unpaid", StatusCanceled},
		{"incomplete_expired", StatusCanceled},
		{"incomplete", StatusIncomplete},
		{"paused", StatusIncomplete},
		{"", StatusIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapProcessorStatus(tt.raw))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" Lifetime_Access ")
	assert.True(t, ok)
	assert.Equal(t, StatusLifetime, s)

	_, ok = ParseStatus("gold")
	assert.False(t, ok)
}

func TestStatusIsLive(t *testing.T) {
	assert.True(t, StatusActive.IsLive())
	assert.True(t, StatusTrialing.IsLive())
	assert.True(t, StatusPastDue.IsLive())
	assert.False(t, StatusCanceled.IsLive())
	assert.False(t, StatusLifetime.IsLive())
	assert.False(t, StatusIncomplete.IsLive())
	assert.False(t, StatusSMMAOnly.IsLive())
}
