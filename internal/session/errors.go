package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrRestorationFailed matches every *RestorationError via errors.Is.
	ErrRestorationFailed = errors.New("restoration failed")

	// ErrSessionClosed is returned by every call made after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotReady is returned by characteristic I/O issued outside the Ready state.
	ErrNotReady = errors.New("session is not ready")
)

// RestoreStep names the restoration phase that failed.
type RestoreStep string

const (
	StepDial      RestoreStep = "dial"
	StepDiscover  RestoreStep = "discover"
	StepResolve   RestoreStep = "resolve"
	StepWrite     RestoreStep = "write"
	StepSubscribe RestoreStep = "subscribe"
)

// RestorationError reports the replay step that aborted a restoration.
type RestorationError struct {
	Step RestoreStep
	ID   string // characteristic id, empty for dial, discover and resolve
	Err  error
}

func (e *RestorationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("restoration failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("restoration failed at %s %s: %v", e.Step, e.ID, e.Err)
}

// Is lets errors.Is match ErrRestorationFailed.
func (e *RestorationError) Is(target error) bool {
	return target == ErrRestorationFailed
}

func (e *RestorationError) Unwrap() error {
	return e.Err
}

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
