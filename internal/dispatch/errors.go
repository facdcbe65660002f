package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrArityExceeded is returned when a binding declares more than MaxArity parameters.
	ErrArityExceeded = errors.New("binding arity exceeds limit")
	// ErrEmptyName is returned for bindings and contract members without a name.
	ErrEmptyName = errors.New("binding name is empty")
	// ErrDuplicateBinding enforces at most one binding per name.
	ErrDuplicateBinding = errors.New("binding already registered")
	// ErrArgumentCount is returned when an inbound invocation carries the wrong number of arguments.
	ErrArgumentCount = errors.New("argument count mismatch")
	// ErrNoBinding is reported to identified invocations whose target is not bound.
	ErrNoBinding = errors.New("no binding for target")
	// ErrNotStream is returned when a stream is requested from a plain method.
	ErrNotStream = errors.New("binding is not a stream")
)

// InvocationError wraps a failure with the invoked target.
type InvocationError struct {
	Target string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Target, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
