package domain

import "errors"

// Error taxonomy (sentinels). Callers match with errors.Is; every failure
// surfaced by the core wraps exactly one of these.
var (
	// ErrBackendUnavailable means neither the networked KV nor the file
	// fallback is usable. Sessions cannot start in this state.
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownApproval = errors.New("unknown approval")
	ErrUnknownThread   = errors.New("unknown thread")

	// ErrIllegalTransition is returned when an operation is not allowed in
	// the record's current status (e.g. completing a pending task).
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrLockBusy is returned when a live lock is already held on the path.
	// The manager never queues; callers decide whether to retry.
	ErrLockBusy = errors.New("lock busy")

	// ErrLockStolen is returned when extending or releasing a lock whose
	// token no longer matches (TTL expired and someone else acquired).
	ErrLockStolen = errors.New("lock stolen")

	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout is returned by blocking operations on deadline. A timed-out
	// operation never leaves partial state behind.
	ErrTimeout = errors.New("timeout")

	ErrBudgetExceeded = errors.New("budget exceeded")
)
