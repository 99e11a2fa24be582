package engine

import "errors"

// Engine error taxonomy. Access errors fail a single work request without
// touching QP state; ErrRetryExhausted is fatal to one QP and surfaces as
// error completions; ErrResourceExhausted asks the caller to retry later.
var (
	// ErrInvalidState rejects an operation not permitted in the QP's
	// current state, or one referencing a destroyed QP or CQ.
	ErrInvalidState = errors.New("engine: invalid queue pair state")

	// ErrOutOfBounds rejects a memory access outside [base, base+length).
	ErrOutOfBounds = errors.New("engine: memory access out of bounds")

	// ErrPermissionDenied rejects a memory access the region's permission
	// mask does not allow.
	ErrPermissionDenied = errors.New("engine: memory access permission denied")

	// ErrStaleKey rejects a key that matches no live registration, either
	// never issued or already deregistered.
	ErrStaleKey = errors.New("engine: stale memory key")

	// ErrRetryExhausted reports that a packet exceeded the retry ceiling
	// without acknowledgment; the QP has moved to ERROR.
	ErrRetryExhausted = errors.New("engine: retry limit exhausted")

	// ErrResourceExhausted reports a full work queue, a full ready set, or
	// a completion queue without capacity for another QP.
	ErrResourceExhausted = errors.New("engine: resource exhausted")
)

// IsAccessError reports whether err belongs to the memory access error
// class (out of bounds, permission denied, stale key).
func IsAccessError(err error) bool {
	return errors.Is(err, ErrOutOfBounds) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrStaleKey)
}
