package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateIdentity = errors.New("identity already exists")
	ErrUnknownIdentity   = errors.New("unknown identity")
	ErrUnknownRole       = errors.New("unknown role")
	ErrInvalidState      = errors.New("not permitted in current state")
)

// RuntimeError wraps a failed external-runtime operation with enough context
// for the operator to retry.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func runtimeErr(err error, format string, args ...any) error {
	return &RuntimeError{Op: fmt.Sprintf(format, args...), Err: err}
}
