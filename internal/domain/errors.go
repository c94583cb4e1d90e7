package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrUnknownEvent = errors.New("unknown event")

	// ErrNoTrace and ErrNoPrice mark data that is unavailable right now.
	// The affected record is skipped, never filled in with a guess.
	ErrNoTrace = errors.New("trace unavailable")
	ErrNoPrice = errors.New("price unavailable")

	// Outcomes reported by external orderbooks.
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidOrder = errors.New("invalid order parameters")
)
