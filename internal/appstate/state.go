// Package appstate tracks whether the hosting app is foregrounded. The
// outbound retry cadence and the immediate-pass trigger hang off its
// transitions.
package appstate

import (
	"fmt"
	"slices"
	"sync"

	"github.com/courierapp/courier/internal/bus"
)

// State is the app lifecycle state as reported by the host.
type State string

const (
	Launching  State = "LAUNCHING"
	Foreground State = "FOREGROUND"
	Background State = "BACKGROUND"
	Terminated State = "TERMINATED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Launching:  {Foreground, Background, Terminated},
	Foreground: {Background, Terminated},
	Background: {Foreground, Terminated},
	Terminated: {},
}

// Machine tracks and enforces app state transitions, publishing each change
// on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Launching.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Launching,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Foregrounded reports whether the app is currently in the foreground.
// Launching counts: the engine starts on the fast cadence until told
// otherwise.
func (m *Machine) Foregrounded() bool {
	s := m.Current()
	return s == Foreground || s == Launching
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; a self-transition is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.KindAppStateChanged,
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for app state change events.
type Change struct {
	From State
	To   State
}
