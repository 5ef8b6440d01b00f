package membership

import "strings"

// Status is the canonical membership status stored on an account.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusLifetime   Status = "lifetime_access"
	StatusSMMAOnly   Status = "smma_only"
)

var allStatuses = []Status{
	StatusIncomplete,
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusCanceled,
	StatusLifetime,
	StatusSMMAOnly,
}

// ParseStatus parses a stored or admin-submitted status value.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range allStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// MapProcessorStatus maps a recurring-subscription status reported by a
// payment processor to the local status. Unknown values map to
// StatusIncomplete.
func MapProcessorStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled", "unpaid", "incomplete_expired":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	default:
		return StatusIncomplete
	}
}

// IsLive reports whether the status belongs to a recurring subscription
// that is still billing.
func (s Status) IsLive() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}
