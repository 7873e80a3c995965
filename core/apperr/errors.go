// Package apperr defines the error taxonomy shared by the orchestration core.
//
// Processors, services and the work queue classify failures by kind rather than
// by concrete type: the queue retries ErrTransient, discards ErrNotFound, and
// dead-letters everything else.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any state was touched.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks a network or timeout failure talking to an external system.
	ErrTransient = errors.New("transient external failure")
	// ErrTerminal marks a failure the external system reported explicitly.
	ErrTerminal = errors.New("terminal external failure")
	// ErrStateConflict marks a transition that is invalid for the current status.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotFound marks a referenced entity that no longer exists.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionConflict marks a stale write rejected by the record store.
	ErrVersionConflict = errors.New("version conflict")
)

// Error attaches an operation name and a kind to an underlying error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...interface{}) error {
	return wrap(ErrValidation, op, fmt.Errorf(format, args...))
}

func Transient(op string, err error) error { return wrap(ErrTransient, op, err) }

func Terminal(op string, err error) error { return wrap(ErrTerminal, op, err) }

func NotFound(op, entity, id string) error {
	return wrap(ErrNotFound, op, fmt.Errorf("%s %s", entity, id))
}

func Conflict(op, format string, args ...interface{}) error {
	return wrap(ErrStateConflict, op, fmt.Errorf(format, args...))
}

func VersionConflict(op, entity, id string) error {
	return wrap(ErrVersionConflict, op, fmt.Errorf("%s %s was modified concurrently", entity, id))
}

// IsRetryable reports whether the queue should back off and retry err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrVersionConflict)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrStateConflict) }
