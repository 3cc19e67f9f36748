package lifecycle

import (
	"github.com/pkg/errors"
)

var ErrInvalidTransition = errors.New("invalid device state transition")

// State is the mount state of one device on a machine.
type State uint8

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event drives a device from one state to the next.
type Event uint8

const (
	// EventMount is raised on machine start, on a device joining a running
	// machine and on region reload.
	EventMount Event = iota
	EventMountSucceeded
	EventMountFailed
	// EventRetry is raised when a failed device's retry interval elapsed.
	EventRetry
	// EventSuspend is raised on region unload.
	EventSuspend
	// EventUnmount is raised on machine stop, device removal and host destruction.
	EventUnmount
)

func (e Event) String() string {
	switch e {
	case EventMount:
		return "mount"
	case EventMountSucceeded:
		return "mount_succeeded"
	case EventMountFailed:
		return "mount_failed"
	case EventRetry:
		return "retry"
	case EventSuspend:
		return "suspend"
	case EventUnmount:
		return "unmount"
	default:
		return "unknown"
	}
}

// transitions is the complete device state machine.
var transitions = map[State]map[Event]State{
	StateUnmounted: {
		EventMount:   StateMounting,
		EventSuspend: StateUnmounted,
		EventUnmount: StateUnmounted,
	},
	StateMounting: {
		EventMountSucceeded: StateMounted,
		EventMountFailed:    StateFailed,
		EventUnmount:        StateUnmounted,
	},
	StateMounted: {
		EventMount:   StateMounted,
		EventSuspend: StateSuspended,
		EventUnmount: StateUnmounted,
	},
	StateSuspended: {
		EventMount:   StateMounting,
		EventSuspend: StateSuspended,
		EventUnmount: StateUnmounted,
	},
	StateFailed: {
		EventMount:   StateMounting,
		EventRetry:   StateMounting,
		EventSuspend: StateFailed,
		EventUnmount: StateUnmounted,
	},
}

// Next returns the state reached from s on e.
func Next(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, errors.Wrapf(ErrInvalidTransition, "%s on %s", e, s)
	}

	return next, nil
}
