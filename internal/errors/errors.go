package errors

import "errors"

var (
	ErrNotFound            = errors.New("lease not found")
	ErrUnknownResource     = errors.New("unknown protected resource")
	ErrCorruptRecord       = errors.New("corrupt lease record")
	ErrSuspiciousRecord    = errors.New("suspicious lease record")
	ErrBackendUnreachable  = errors.New("onboarding backend unreachable")
	ErrStaleResponse       = errors.New("stale reconciliation response")
	ErrCASConflict         = errors.New("compare-and-swap conflict")
	ErrInvalidAction       = errors.New("invalid action")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")
)
