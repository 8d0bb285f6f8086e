// Package session coordinates the lifecycle of the single voice engine
// handle: the state machine, the guard that owns the handle, and the
// recovery controller that reinitializes it after known failures.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle phase of the voice resource.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is the closed set of inputs the machine accepts. Engine
// notifications are mapped onto Acquired, Ended and Failed by the guard.
type Event int

const (
	EventStart Event = iota + 1
	EventAcquired
	EventAcquisitionFailed
	EventStop
	EventReleased
	EventReset
	EventEnded
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventAcquired:
		return "acquired"
	case EventAcquisitionFailed:
		return "acquisition_failed"
	case EventStop:
		return "stop"
	case EventReleased:
		return "released"
	case EventReset:
		return "reset"
	case EventEnded:
		return "ended"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrAlreadyActive is returned by Fire(EventStart) while a session is
// starting or active. It is an expected outcome, not a failure.
var ErrAlreadyActive = errors.New("voice session already active")

// IllegalTransitionError reports an event the current state does not accept.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s in state %s", e.Event, e.From)
}

// Transition describes one state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Changed reports whether the transition moved the machine.
func (t Transition) Changed() bool { return t.From != t.To }

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StateIdle, EventStart}:                 StateStarting,
	{StateStarting, EventAcquired}:          StateActive,
	{StateStarting, EventAcquisitionFailed}: StateError,
	{StateStarting, EventStop}:              StateIdle,
	{StateActive, EventStop}:                StateStopping,
	{StateStopping, EventReleased}:          StateIdle,
	{StateError, EventReset}:                StateIdle,
	{StateError, EventStop}:                 StateIdle,
	{StateActive, EventEnded}:               StateIdle,
	{StateStopping, EventEnded}:             StateIdle,
	{StateActive, EventFailed}:              StateError,
	{StateStarting, EventFailed}:            StateError,
}

// noops are accepted without moving the machine: repeated stops and
// redundant engine notifications.
var noops = map[transitionKey]bool{
	{StateIdle, EventStop}:       true,
	{StateStopping, EventStop}:   true,
	{StateActive, EventAcquired}: true,
	{StateIdle, EventEnded}:      true,
	{StateStarting, EventEnded}:  true,
	{StateIdle, EventReleased}:   true,
	{StateIdle, EventReset}:      true,
	{StateError, EventFailed}:    true,
}

// Machine is the single source of truth for the voice session state.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []func(Transition)
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// Observe registers fn to be called after every state change.
func (m *Machine) Observe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies ev atomically and returns the resulting transition.
func (m *Machine) Fire(ev Event) (Transition, error) {
	return m.FireWith(ev, nil)
}

// FireWith applies ev like Fire. For every accepted event, including
// no-ops, commit is called before the state changes and before any other
// event can be applied; if it returns an error the machine is left as it
// was and the error is returned. commit must not call back into the machine.
func (m *Machine) FireWith(ev Event, commit func(Transition) error) (Transition, error) {
	m.mu.Lock()
	from := m.state
	unchanged := Transition{From: from, To: from, Event: ev}
	key := transitionKey{from, ev}
	to, ok := transitions[key]
	if !ok {
		switch {
		case noops[key]:
			to = from
		case ev == EventStart && (from == StateStarting || from == StateActive):
			m.mu.Unlock()
			return unchanged, ErrAlreadyActive
		default:
			m.mu.Unlock()
			return unchanged, &IllegalTransitionError{From: from, Event: ev}
		}
	}
	tr := Transition{From: from, To: to, Event: ev}
	if commit != nil {
		if err := commit(tr); err != nil {
			m.mu.Unlock()
			return unchanged, err
		}
	}
	if !tr.Changed() {
		m.mu.Unlock()
		return tr, nil
	}
	m.state = to
	observers := append([]func(Transition){}, m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(tr)
	}
	return tr, nil
}
