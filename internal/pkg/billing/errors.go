package billing

import "errors"

// Errors surfaced to callers. Stale and duplicate events are outcomes, not
// errors.
var (
	ErrAuthenticationFailure = errors.New("billing: webhook authentication failed")
	ErrNotFound              = errors.New("billing: not found")
	ErrConflict              = errors.New("billing: processor identity already linked to another account")
	ErrInvalidOverride       = errors.New("billing: invalid override")
	ErrInvalidInput          = errors.New("billing: invalid input")
	// ErrAccountPending is a paid charge whose account cannot be resolved
	// yet. The delivery stays open so a redelivery records it.
	ErrAccountPending = errors.New("billing: charge for an account not known yet")
)
