package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/confideapp/confide/internal/bus"
)

// State is the connection state of one conversation's push channel.
type State string

const (
	Closed       State = "CLOSED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Closed and Failed
// are terminal except for a caller-initiated close, which is always
// allowed.
var validTransitions = map[State][]State{
	Closed:       {Connecting},
	Connecting:   {Open, Reconnecting, Failed},
	Open:         {Reconnecting},
	Reconnecting: {Open, Connecting, Failed},
	Failed:       {},
}

// Machine tracks and enforces one conversation's connection state.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID int64
	bus            *bus.Bus
}

// NewMachine creates a machine starting in Closed.
func NewMachine(conversationID int64, b *bus.Bus) *Machine {
	return &Machine{
		current:        Closed,
		conversationID: conversationID,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.transitionLocked(to)
	return nil
}

// ForceClose moves to Closed from any state. Caller-initiated close is
// always legal and terminal.
func (m *Machine) ForceClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Closed {
		return
	}
	m.transitionLocked(Closed)
}

func (m *Machine) transitionLocked(to State) {
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.KindConnStatusChanged,
			ConversationID: m.conversationID,
			Timestamp:      time.Now(),
			Payload:        Change{From: from, To: to},
		})
	}
}

// Change is the payload for connection status events.
type Change struct {
	From State
	To   State
}
