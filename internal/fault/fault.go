// Package fault defines the error taxonomy shared by every component of the
// engine (spec §7). Components return a *Fault (or wrap one with fmt.Errorf's
// %w) rather than ad-hoc error strings, so callers can dispatch on Kind()
// without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind is one row of the error taxonomy.
type Kind string

const (
	NotFound          Kind = "NotFound"
	PermissionDenied  Kind = "PermissionDenied"
	ValidationFailed  Kind = "ValidationFailed"
	ParseFailed       Kind = "ParseFailed"
	EvaluationFailed  Kind = "EvaluationFailed"
	StorageFault      Kind = "StorageFault"
	Timeout           Kind = "Timeout"
	Inconsistency     Kind = "Inconsistency"
)

// Fault is the concrete error type carrying a Kind and an underlying cause.
type Fault struct {
	kind    Kind
	message string
	cause   error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.kind, f.message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.kind, f.message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Kind returns the taxonomy row this fault belongs to.
func (f *Fault) Kind() Kind { return f.kind }

// New creates a Fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault of the given kind that wraps an existing error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Fault {
	return &Fault{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *Fault of the given kind, walking the chain.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a *Fault, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind, true
	}
	return "", false
}
