// Package binding resolves whether this device may open a session: it runs
// the discovery round trip against the configured endpoint, classifies the
// reply into bound/needs-binding/error, polls while the user pairs the
// device and caches a bound endpoint for the next startup.
package binding

import "github.com/dourok/voicebot/internal/protocol"

// Status enumerates the discovery state machine states.
type Status int

const (
	// StatusUnknown is the initial state before any check.
	StatusUnknown Status = iota
	// StatusChecking means a discovery round trip is in flight.
	StatusChecking
	// StatusNeedsBinding means the server issued an activation code and the
	// device waits for the user to pair it.
	StatusNeedsBinding
	// StatusBound means the server returned connection parameters.
	StatusBound
	// StatusError is terminal: a malformed reply or exhausted retries.
	StatusError
	// StatusTimeout is terminal: polling exhausted its attempt budget.
	StatusTimeout
)

// String executes the string method.
func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusNeedsBinding:
		return "needs_binding"
	case StatusBound:
		return "bound"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Endpoint holds the connection parameters of a bound device. Exactly one of
// the transports is populated; MQTT presence selects the split transport.
type Endpoint struct {
	WebSocketURL string               `json:"websocket_url,omitempty"`
	Token        string               `json:"token,omitempty"`
	MQTT         *protocol.MQTTConfig `json:"mqtt,omitempty"`
}

// State is one observable snapshot of the discovery state machine.
type State struct {
	Status Status
	// Code and PanelURL accompany StatusNeedsBinding.
	Code     string
	PanelURL string
	// Endpoint accompanies StatusBound.
	Endpoint Endpoint
	// Message accompanies StatusError.
	Message string
}

// Firmware is the optional firmware metadata block of a discovery reply.
// Download mechanics live elsewhere; this layer only parses and exposes it.
type Firmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// ServerTime is the optional clock block of a discovery reply.
type ServerTime struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset"`
}

type activationBlock struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type websocketBlock struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type mqttBlock struct {
	Endpoint       string `json:"endpoint"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PublishTopic   string `json:"publish_topic"`
	SubscribeTopic string `json:"subscribe_topic"`
}

type discoveryResponse struct {
	Activation *activationBlock `json:"activation"`
	WebSocket  *websocketBlock  `json:"websocket"`
	MQTT       *mqttBlock       `json:"mqtt"`
	Firmware   *Firmware        `json:"firmware"`
	ServerTime *ServerTime      `json:"server_time"`
}
