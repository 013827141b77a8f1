package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/mlschat/internal/bus"
)

// State is the delivery-service connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks connection state. Only the delivery channel drives it;
// everyone else reads Current or watches the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to a new state, returning an error for a transition the
// table does not allow.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindConnStateChanged,
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for conn.state_changed events.
type Change struct {
	From State
	To   State
}
