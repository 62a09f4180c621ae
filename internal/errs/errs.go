// Package errs defines the error kinds a pipeline run can fail with.
//
// Errors are raised close to their cause, wrapped with context as they
// propagate, and classified at the stage boundary with KindOf.
package errs

import (
	"errors"
	"fmt"
	"maps"
)

// Kind is a machine-readable failure class.
type Kind string

const (
	ConfigSchema    Kind = "config-schema"
	Resolution      Kind = "resolution"
	Arity           Kind = "arity"
	Initialization  Kind = "initialization"
	Cycle           Kind = "cycle"
	Interpolation   Kind = "interpolation"
	LockTimeout     Kind = "lock-timeout"
	MissingArtifact Kind = "missing-artifact"
	DataInvariant   Kind = "data-invariant"
	PostRunFailed   Kind = "post-run-failed"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same kind, so errors.Is(err, errs.New(errs.Arity, ""))
// and errors.Is(err, errs.Arity.Sentinel()) both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges details into the error and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	maps.Copy(e.Details, details)
	return e
}

// Sentinel returns a message-less error of this kind for errors.Is checks.
func (k Kind) Sentinel() error { return &Error{Kind: k} }

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, kind.Sentinel())
}
