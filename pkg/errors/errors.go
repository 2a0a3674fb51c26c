// Package errors implements this engine's two-tier error model: guest
// errors (recoverable, surfaced through pkg/exit.Record) and programmer
// errors (invariant violations that abort the process with a diagnostic).
package errors

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// GuestError wraps a recoverable failure that is reported to the driver
// rather than crashing the process. It is the engine-internal counterpart
// to pkg/exit.Record, used by components (memory, loader) that sit below
// the exit-record boundary and need an ordinary Go error to return.
type GuestError struct {
	Message string
	Cause   error
}

func (e *GuestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GuestError) Unwrap() error {
	return e.Cause
}

// IsGuestError reports whether err is a GuestError.
func IsGuestError(err error) bool {
	_, ok := err.(*GuestError)
	return ok
}

// Wrap wraps an existing error as a guest error.
func Wrap(err error, message string) *GuestError {
	return &GuestError{Message: message, Cause: err}
}

// Newf creates a guest error with a formatted message.
func Newf(format string, args ...interface{}) *GuestError {
	return &GuestError{Message: fmt.Sprintf(format, args...)}
}

var panicking atomic.Bool

// Fatal aborts the process for a programmer error: an invariant violation
// that must never be reachable from guest input (executable-buffer
// overflow, an unaligned insert into the translation cache, unlocking a
// register-cache slot that was never locked). It captures a stack trace via
// cockroachdb/errors so the diagnostic survives past the panic.
//
// A single-writer flag ensures that if two goroutines hit distinct
// invariant violations concurrently, only the first prints; the second
// blocks forever rather than interleaving its own diagnostic with the
// first's.
func Fatal(format string, args ...interface{}) {
	if !panicking.CompareAndSwap(false, true) {
		select {}
	}
	err := errors.AssertionFailedf(format, args...)
	panic(fmt.Sprintf("%+v", err))
}
