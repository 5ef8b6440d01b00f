package membership

import "errors"

var (
	ErrUnknownCommand  = errors.New("membership: unknown command")
	ErrInvalidOverride = errors.New("membership: invalid override")
)
