package gpustage

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Contract violations. They are never returned: the offending call panics
// with an assertion failure marked with one of these sentinels, so a
// recovered value matches it with errors.Is.
var (
	// ErrDoubleRegistration marks registering a handle that is already registered.
	ErrDoubleRegistration = errors.New("gpustage: handle already registered")

	// ErrUnknownHandle marks operating on a handle with no registration.
	ErrUnknownHandle = errors.New("gpustage: unknown handle")

	// ErrInvalidPartialRange marks a partial write outside the buffer or
	// into a pool that does not track partial writes.
	ErrInvalidPartialRange = errors.New("gpustage: invalid partial range")

	// ErrLifetimeMisuse marks using a buffer outside the lifetime its pool allows.
	ErrLifetimeMisuse = errors.New("gpustage: lifetime misuse")

	// ErrHandleUnderflow marks unregistering more bindless resources than
	// were registered.
	ErrHandleUnderflow = errors.New("gpustage: handle underflow")
)

// Violation panics with an assertion failure marked with kind.
// The panic value is an error carrying the caller's stack. The assertion
// wrapper is outermost because IsAssertionFailure only inspects the top
// of the chain.
func Violation(kind error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(errors.WithAssertionFailure(errors.Mark(errors.NewWithDepthf(1, "%v: %s", kind, msg), kind)))
}

// IsViolation reports whether a value recovered from a panic is a contract
// violation of the given kind.
func IsViolation(recovered any, kind error) bool {
	err, ok := recovered.(error)
	if !ok {
		return false
	}
	return errors.HasAssertionFailure(err) && errors.Is(err, kind)
}
