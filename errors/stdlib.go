package errors

import (
	baseErrors "errors"
	"fmt"
)

// Is reports whether any error in err's chain matches target. Unlike the
// standard library, a target that is itself an *Error is unwrapped too.
func Is(err, target error) bool {
	if baseErrors.Is(err, target) {
		return true
	}
	if e, ok := err.(*Error); ok {
		return Is(e.Err, target)
	}
	if t, ok := target.(*Error); ok {
		return Is(err, t.Err)
	}
	return false
}

// As finds the first error in err's chain that matches target. See the
// standard library's errors.As.
func As(err error, target any) bool {
	return baseErrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return baseErrors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return baseErrors.Join(errs...)
}

type recoveredPanic struct {
	value any
}

func (p recoveredPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// Recovered converts a value returned by recover() into an *Error whose stack
// starts at the frame that panicked. It returns nil when r is nil.
func Recovered(r any) *Error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return newError(recoveredPanic{value: err}, KindOf(err), 4)
	}
	return newError(recoveredPanic{value: r}, Unknown, 4)
}
