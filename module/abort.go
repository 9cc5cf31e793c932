package module

import (
	"fmt"
	"strings"

	"github.com/teranos/checkrun/errors"
)

// Abort returns the hard-abort signal: an error that stops the whole run.
func Abort(msg string) error {
	return errors.Wrap(errors.ErrRunAbort, msg)
}

// Abortf is Abort with formatting.
func Abortf(format string, args ...interface{}) error {
	return errors.NewRunAbort(format, args...)
}

// IsAbort reports whether err carries the hard-abort signal.
func IsAbort(err error) bool {
	return errors.IsRunAbort(err)
}

// TypedError lets an error name its own failure kind for result entries.
type TypedError interface {
	error
	ErrorType() string
}

// ErrorTypeOf names the failure kind of err: the ErrorType() of any TypedError
// in the chain, else the Go type of the innermost cause without pointer marker.
func ErrorTypeOf(err error) string {
	if err == nil {
		return ""
	}
	var typed TypedError
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); t != "" {
			return t
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", errors.UnwrapAll(err)), "*")
}
