package entitlements

import (
	"time"

	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
)

// Access is what an account may open right now.
type Access struct {
	MainCourse  bool `json:"main_course"`
	AddOnCourse bool `json:"add_on_course"`
}

// ForState derives access from a membership state. A nil period end never
// expires.
func ForState(s membership.State, now time.Time) Access {
	inPeriod := s.CurrentPeriodEnd == nil || now.Before(*s.CurrentPeriodEnd)
	switch s.Status {
	case membership.StatusLifetime:
		return Access{MainCourse: true}
	case membership.StatusActive, membership.StatusTrialing, membership.StatusPastDue:
		return Access{MainCourse: inPeriod}
	case membership.StatusSMMAOnly:
		return Access{AddOnCourse: inPeriod}
	default:
		return Access{}
	}
}
