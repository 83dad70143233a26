package incident

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an operation references an incident that does not exist.
var ErrNotFound = errors.New("incident not found")

// ErrUpstreamUnavailable is returned by remote authority clients when the
// correlation authority could not be reached or answered with an error.
var ErrUpstreamUnavailable = errors.New("correlation authority unavailable")

// IllegalTransitionError reports a status change the state machine does not allow.
type IllegalTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *IllegalTransitionError) Error() string {
	allowed := "terminal state"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("cannot transition from %q to %q (allowed: %s)", e.From, e.To, allowed)
}

// PersistenceError wraps a failure of the incident store itself.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("incident store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsIllegalTransition reports whether err is (or wraps) an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

// classify passes business errors through untouched and wraps anything else
// as a PersistenceError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || IsIllegalTransition(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
