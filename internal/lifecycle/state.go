// Package lifecycle tracks the service's run state and dependency health.
//
// A service boots in starting, announces itself when ready, oscillates
// between ready and degraded as dependency probes flip, and winds down
// through stopping into stopped or crashed. Probes are debounced so one
// failed check never flaps the state.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is a service lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

var validTransitions = map[State][]State{
	StateStarting: {StateReady, StateDegraded, StateStopping, StateCrashed},
	StateReady:    {StateDegraded, StateStopping, StateCrashed},
	StateDegraded: {StateReady, StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateStopped:  {},
	StateCrashed:  {},
}

// Transition records one state change for diagnostics.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const historyCap = 32

// Machine is a concurrency-safe lifecycle state machine.
type Machine struct {
	mu       sync.RWMutex
	state    State
	started  time.Time
	history  []Transition
	onChange []func(from, to State, reason string)
}

// NewMachine starts in the starting state.
func NewMachine() *Machine {
	return &Machine{state: StateStarting, started: time.Now()}
}

// Uptime is the time since the machine was created.
func (m *Machine) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.started)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnChange registers a listener invoked after each transition, outside the
// lock.
func (m *Machine) OnChange(fn func(from, to State, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Set moves to a new state, rejecting transitions the lifecycle does not
// allow. Setting the current state again is a no-op.
func (m *Machine) Set(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
	}
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	listeners := make([]func(State, State, string), len(m.onChange))
	copy(listeners, m.onChange)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to, reason)
	}
	return nil
}

// History returns a copy of recent transitions.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Serving reports whether the service should accept traffic.
func (m *Machine) Serving() bool {
	s := m.State()
	return s == StateReady || s == StateDegraded
}

// Alive reports process liveness: anything before stopped/crashed.
func (m *Machine) Alive() bool {
	s := m.State()
	return s != StateStopped && s != StateCrashed
}
