// Package protocol defines the transport-neutral session protocol contract
// and its two implementations: a single-socket websocket transport and a
// split transport carrying control JSON over MQTT and encrypted audio over
// UDP. The session layer talks only to the Protocol interface and the event
// streams, never to a concrete transport.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
)

// ListeningMode selects how the server segments user speech.
type ListeningMode int

const (
	// ListeningModeAutoStop lets the server decide when an utterance ends.
	ListeningModeAutoStop ListeningMode = iota
	// ListeningModeManual keeps the channel listening until an explicit stop.
	ListeningModeManual
	// ListeningModeAlwaysOn streams continuously.
	ListeningModeAlwaysOn
)

// Wire returns the serialized mode name used in listen control messages.
func (m ListeningMode) Wire() string {
	switch m {
	case ListeningModeManual:
		return "manual"
	case ListeningModeAlwaysOn:
		return "realtime"
	default:
		return "auto"
	}
}

// AbortReason qualifies an abort control message.
type AbortReason int

const (
	// AbortReasonNone aborts without a stated cause.
	AbortReasonNone AbortReason = iota
	// AbortReasonWakeWordDetected aborts because a wake word interrupted playback.
	AbortReasonWakeWordDetected
)

// Wire returns the serialized reason, empty for AbortReasonNone.
func (r AbortReason) Wire() string {
	if r == AbortReasonWakeWordDetected {
		return "wake_word_detected"
	}
	return ""
}

// ChannelState represents a channelState.
type ChannelState int

const (
	// ChannelClosed means no audio may be sent.
	ChannelClosed ChannelState = iota
	// ChannelOpened is emitted exactly once per successful handshake.
	ChannelOpened
)

// String executes the string method.
func (s ChannelState) String() string {
	if s == ChannelOpened {
		return "opened"
	}
	return "closed"
}

// Protocol is the operation set shared by all transports. Sends are
// fire-and-forget: with no open channel they log and drop rather than fail.
// Failures surface on the Events streams, never as panics across goroutines.
type Protocol interface {
	// Start performs transport setup that must precede the first
	// OpenAudioChannel call. Connection failures surface as error events.
	Start(ctx context.Context)
	// OpenAudioChannel establishes or re-establishes the audio path. It
	// blocks until the handshake succeeds, fails or times out. After a
	// false return no audio can be sent until a later successful call.
	OpenAudioChannel(ctx context.Context) bool
	// CloseAudioChannel sends a best-effort goodbye, releases the channel
	// and emits ChannelClosed. Safe to call when already closed.
	CloseAudioChannel()
	// IsAudioChannelOpened reports the point-in-time channel state.
	IsAudioChannelOpened() bool
	// SendAudio ships one encoded frame. Dropped when the channel is closed.
	SendAudio(frame []byte)
	// SendText ships one control-plane JSON message. Dropped when the
	// connection is absent.
	SendText(message string)
	// SessionID returns the server-assigned session id, empty when closed.
	SessionID() string
	// Events returns the broadcast event surface.
	Events() *Events
	// Dispose terminates all background activity. Irreversible.
	Dispose()
}

// sessionRef guards the current session id. The transport read loop is the
// only writer; everyone else takes snapshots.
type sessionRef struct {
	mu sync.Mutex
	id string
}

func (s *sessionRef) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *sessionRef) Set(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *sessionRef) Clear() {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()
}

// SendStartListening asks the server to start a listening turn in the given
// mode.
func SendStartListening(p Protocol, mode ListeningMode) {
	p.SendText(encodeControl(map[string]any{
		"session_id": p.SessionID(),
		"type":       "listen",
		"state":      "start",
		"mode":       mode.Wire(),
	}))
}

// SendStopListening ends the current listening turn.
func SendStopListening(p Protocol) {
	p.SendText(encodeControl(map[string]any{
		"session_id": p.SessionID(),
		"type":       "listen",
		"state":      "stop",
	}))
}

// SendAbortSpeaking interrupts server playback.
func SendAbortSpeaking(p Protocol, reason AbortReason) {
	payload := map[string]any{
		"session_id": p.SessionID(),
		"type":       "abort",
	}
	if wire := reason.Wire(); wire != "" {
		payload["reason"] = wire
	}
	p.SendText(encodeControl(payload))
}

// SendWakeWordDetected reports a locally detected wake word.
func SendWakeWordDetected(p Protocol, word string) {
	p.SendText(encodeControl(map[string]any{
		"session_id": p.SessionID(),
		"type":       "listen",
		"state":      "detect",
		"text":       word,
	}))
}

// SendIotDescriptors publishes the device's IoT capability descriptors.
func SendIotDescriptors(p Protocol, descriptors json.RawMessage) {
	p.SendText(encodeControl(map[string]any{
		"session_id":  p.SessionID(),
		"type":        "iot",
		"descriptors": descriptors,
	}))
}

// SendIotStates publishes the current IoT state values.
func SendIotStates(p Protocol, states json.RawMessage) {
	p.SendText(encodeControl(map[string]any{
		"session_id": p.SessionID(),
		"type":       "iot",
		"states":     states,
	}))
}
