package flashstore

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the closed set of outcomes a public Engine operation can
// produce. It is never extended at runtime; new failure modes are always
// mapped onto one of these values.
type Status int

const (
	// StatusOK indicates the operation completed as requested.
	StatusOK Status = iota
	// StatusStoreFull indicates insufficient free space or an object
	// larger than the store's configured maximum.
	StatusStoreFull
	// StatusFailedStore is a generic store-engine failure: invalid
	// address, exhausted free list, broken chain, framing/validation
	// failure, or any other condition the engine cannot recover from
	// locally.
	StatusFailedStore
	// StatusTimeout indicates an empty dequeue. The engine never
	// suspends, so it is returned immediately rather than after a wait.
	StatusTimeout
	// StatusFailedOS indicates failure to create an OS primitive (the
	// device lock).
	StatusFailedOS
	// StatusFailedMemory indicates an allocation failure (block-control
	// array or stage buffers).
	StatusFailedMemory
	// StatusInvalidHandle indicates no free store slot, a supplied
	// attribute set the store registry rejected, or a handle that is not
	// in use.
	StatusInvalidHandle
	// StatusDebug is used for informational log-only outcomes; it is
	// never returned from a public operation.
	StatusDebug
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStoreFull:
		return "store full"
	case StatusFailedStore:
		return "failed store"
	case StatusTimeout:
		return "timeout"
	case StatusFailedOS:
		return "failed os"
	case StatusFailedMemory:
		return "failed memory"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusDebug:
		return "debug"
	default:
		return "unknown status"
	}
}

// Error wraps a Status with the underlying cause, if any. Callers that need
// the closed status code should use errors.As; callers that want the full
// causal chain for logging should use Cause or just print the error.
type Error struct {
	Status Status
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newErr builds an *Error, wrapping cause (if non-nil) with the supplied
// context message via pkg/errors so that the causal chain survives for
// logging while the Status remains the only thing callers need to branch
// on.
func newErr(status Status, cause error, format string, args ...interface{}) *Error {
	if cause != nil {
		cause = errors.Wrapf(cause, format, args...)
	} else {
		cause = errors.Errorf(format, args...)
	}
	return &Error{Status: status, Cause: cause}
}

// StatusOf extracts the Status from err, defaulting to StatusFailedStore
// for any error that did not originate from this package.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return StatusFailedStore
}

// ErrRecoverUnsupported is returned by Init when asked to run in
// ModeRecover. The reference implementation leaves block-control metadata
// entirely in RAM and never defined an on-flash recovery scheme; rather
// than guess at one, recovery is a documented non-feature.
var ErrRecoverUnsupported = errors.New("recover mode is not implemented: block-control metadata is RAM-only, only format mode is supported")
