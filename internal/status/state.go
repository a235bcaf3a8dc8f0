// Package status tracks the connection state of the realtime channel.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
)

// State is the realtime channel's connection state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Fallback     State = "FALLBACK"
)

// EventKind is published on every transition.
const EventKind = "channel.state"

// validTransitions defines allowed state transitions. Every state may go
// back to Idle when the channel is torn down.
var validTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Live, Reconnecting, Fallback, Idle},
	Live:         {Reconnecting, Idle},
	Reconnecting: {Connecting, Fallback, Idle},
	Fallback:     {Connecting, Idle},
}

// Machine tracks and enforces channel state transitions. It is safe for
// concurrent use.
type Machine struct {
	mu           sync.RWMutex
	current      State
	conversation string
	since        time.Time
	bus          *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the state, the conversation it applies to and when it
// was entered.
func (m *Machine) Snapshot() (State, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.conversation, m.since
}

// Live reports whether the channel is connected.
func (m *Machine) Live() bool { return m.Current() == Live }

// Transition attempts to move to a new state for the given conversation.
// Returns error if the transition is invalid. Transitioning to the current
// state is a no-op.
func (m *Machine) Transition(to State, conversationID string) error {
	m.mu.Lock()
	if m.current == to && m.conversation == conversationID {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid channel transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to, ConversationID: conversationID}
	m.current = to
	m.conversation = conversationID
	m.since = time.Now()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(EventKind, change)
	}
	return nil
}

// Change is the payload of channel.state events.
type Change struct {
	From           State
	To             State
	ConversationID string
}
