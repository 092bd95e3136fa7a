package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidChannel  = errors.New("invalid channel: not configured")
	ErrInvalidPriority = errors.New("invalid priority: must be low, normal, high, or urgent")
	ErrInvalidContent  = errors.New("content must be between 1 and 4096 characters")
	ErrInvalidSource   = errors.New("source must be at most 128 characters")

	// ErrDuplicate is returned by the store when the content hash was accepted
	// within the dedup window.
	ErrDuplicate = errors.New("duplicate content within dedup window")
	// ErrRateLimited covers both a full channel backlog at enqueue time and a
	// channel without capacity at claim time.
	ErrRateLimited = errors.New("channel rate limited")

	// ErrAttemptsExhausted is returned by Claim after it dead-letters an item
	// that already used its whole attempt budget.
	ErrAttemptsExhausted = errors.New("attempt budget exhausted")

	ErrNotPending      = errors.New("item is not pending")
	ErrNotInFlight     = errors.New("item is not in flight")
	ErrNotStuck        = errors.New("item is not stuck")
	ErrNoPublisher     = errors.New("no publisher configured for channel")
	ErrInvalidArgument = errors.New("invalid argument")
)
