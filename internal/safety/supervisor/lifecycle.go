package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a lifecycle operation is not
	// allowed in the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNotConfigured is returned by operations that need Configure first.
	ErrNotConfigured = errors.New("supervisor not configured")

	// ErrNotActivated is returned by Start before any trajectory was added.
	ErrNotActivated = errors.New("supervisor not activated: add a trajectory first")
)

// Lifecycle is the supervisor state.
type Lifecycle uint8

const (
	Unconfigured Lifecycle = iota
	Configured
	Running
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("lifecycle(%d)", uint8(l))
}

// canTransition reports whether moving from l to next is allowed.
func (l Lifecycle) canTransition(next Lifecycle) bool {
	switch next {
	case Configured:
		return l == Unconfigured || l == Stopped
	case Running:
		return l == Configured || l == Stopped
	case Stopped:
		return l == Running
	}
	return false
}

func (l Lifecycle) transition(next Lifecycle) (Lifecycle, error) {
	if !l.canTransition(next) {
		return l, fmt.Errorf("%s -> %s: %w", l, next, ErrInvalidTransition)
	}
	return next, nil
}
