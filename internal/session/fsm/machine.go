package fsm

import (
	"fmt"
	"sync"
)

// State describes the high-level device state for the voice session.
type State string

const (
	StateUnknown         State = "unknown"
	StateStarting        State = "starting"
	StateWifiConfiguring State = "wifi_configuring"
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateListening       State = "listening"
	StateSpeaking        State = "speaking"
	StateUpgrading       State = "upgrading"
	StateActivating      State = "activating"
	StateFatalError      State = "fatal_error"
)

func validState(state State) bool {
	switch state {
	case StateUnknown, StateStarting, StateWifiConfiguring, StateIdle,
		StateConnecting, StateListening, StateSpeaking, StateUpgrading,
		StateActivating, StateFatalError:
		return true
	default:
		return false
	}
}

// Machine is a lightweight deterministic device state machine. The session
// pump is its only writer; the audio pumps and the status surface read
// snapshots.
type Machine struct {
	mu            sync.RWMutex
	state         State
	aborted       bool
	keepListening bool
}

// New creates a state machine in the unknown state.
func New() *Machine {
	return &Machine{state: StateUnknown}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Is reports whether the machine currently holds state.
func (m *Machine) Is(state State) bool {
	return m.State() == state
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	if !validState(state) {
		return fmt.Errorf("invalid state: %s", state)
	}
	m.transition(state)
	return nil
}

// OnTTSStart enters speaking and clears the aborted flag. It only applies
// from idle or listening; anywhere else it is a no-op, which makes repeated
// tts/start messages idempotent. Reports whether the transition happened.
func (m *Machine) OnTTSStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateListening {
		return false
	}
	m.state = StateSpeaking
	m.aborted = false
	return true
}

// OnTTSStop reports whether the device was speaking. The caller decides the
// follow-up state after playback drains, using KeepListening and Aborted.
func (m *Machine) OnTTSStop() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateSpeaking
}

// MarkAborted flags the current speaking turn as aborted so stale playback
// is discarded.
func (m *Machine) MarkAborted() {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
}

// Aborted returns the aborted flag.
func (m *Machine) Aborted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aborted
}

// SetKeepListening updates the post-playback policy.
func (m *Machine) SetKeepListening(keep bool) {
	m.mu.Lock()
	m.keepListening = keep
	m.mu.Unlock()
}

// KeepListening returns the post-playback policy flag.
func (m *Machine) KeepListening() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keepListening
}

// MaySendAudio reports whether captured audio may go out right now.
func (m *Machine) MaySendAudio() bool {
	return m.Is(StateListening)
}

// MayPlayAudio reports whether received audio may be played right now.
func (m *Machine) MayPlayAudio() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateSpeaking && !m.aborted
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
