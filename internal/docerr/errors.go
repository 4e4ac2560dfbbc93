// Package docerr defines the error kinds shared by the staging engine, the
// directive builder and their collaborators. Callers match kinds with
// errors.Is and recover the offending argument with errors.As.
package docerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports malformed or missing caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound reports a lookup against a key or file that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported reports a conversion the underlying source cannot perform.
	ErrUnsupported = errors.New("unsupported")
)

// ArgumentError carries the error kind together with the argument that caused it.
type ArgumentError struct {
	Kind     error
	Argument string
	Reason   string
}

func (e *ArgumentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Argument)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Argument, e.Reason)
}

func (e *ArgumentError) Unwrap() error {
	return e.Kind
}

// InvalidArgument builds an ArgumentError of kind ErrInvalidArgument.
func InvalidArgument(argument, reason string) error {
	return &ArgumentError{Kind: ErrInvalidArgument, Argument: argument, Reason: reason}
}

// NotFound builds an ArgumentError of kind ErrNotFound.
func NotFound(argument, reason string) error {
	return &ArgumentError{Kind: ErrNotFound, Argument: argument, Reason: reason}
}

// Unsupported builds an ArgumentError of kind ErrUnsupported.
func Unsupported(argument, reason string) error {
	return &ArgumentError{Kind: ErrUnsupported, Argument: argument, Reason: reason}
}

// ArgumentOf returns the offending argument name carried by err, if any.
func ArgumentOf(err error) (string, bool) {
	var argumentErr *ArgumentError
	if errors.As(err, &argumentErr) {
		return argumentErr.Argument, true
	}
	return "", false
}
