package triage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrActionNotPermitted = errors.New("action not permitted for active role")
	ErrUnknownAction      = errors.New("unknown action")
	ErrUnknownRole        = errors.New("unknown role")
	ErrInvalidUrgency     = errors.New("invalid urgency level")
	ErrInvalidArguments   = errors.New("invalid action arguments")
	ErrNotStarted         = errors.New("session not started")
	ErrAlreadyStarted     = errors.New("session already started")
)

// TransitionError reports a rejected handoff. It matches ErrInvalidTransition
// under errors.Is.
type TransitionError struct {
	From Role
	To   Role
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
