// Package errkind defines the error-kind taxonomy shared across core
// components. Components never throw across a public boundary; they
// return a *Error wrapping the underlying cause with one of these kinds
// so callers can dispatch on Kind() via errors.As without parsing strings.
package errkind

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	Config           Kind = "config"
	Canonicalization Kind = "canonicalization"
	IO               Kind = "io"
	Crypto           Kind = "crypto"
	Integrity        Kind = "integrity"
	DependencyCycle  Kind = "dependency_cycle"
	BuildFailed      Kind = "build_failed"
	Timeout          Kind = "timeout"
	Schema           Kind = "schema"
)

// Error wraps a cause with a Kind for errors.As-based dispatch.
type Error struct {
	K       Kind
	Op      string
	Cause   error
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the error kind, satisfying errors.As callers that want it
// without needing the concrete *Error type name.
func (e *Error) GetKind() Kind { return e.K }

// New constructs an *Error of the given kind.
func New(k Kind, op, message string) *Error {
	return &Error{K: k, Op: op, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing cause.
func Wrap(k Kind, op string, cause error) *Error {
	return &Error{K: k, Op: op, Cause: cause}
}

// WrapMsg is Wrap with an additional human-readable message.
func WrapMsg(k Kind, op, message string, cause error) *Error {
	return &Error{K: k, Op: op, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.K == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
