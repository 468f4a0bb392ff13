package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/session"
)

// statePushInterval bounds how often an unchanged snapshot is re-sent so
// clients can detect a stale connection.
const statePushInterval = 5 * time.Second

// EventsHandler pushes device state snapshots to UI clients over a
// WebSocket and accepts intent commands on the same connection.
type EventsHandler struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	session  *session.Session
}

// NewEventsHandler executes the newEventsHandler function.
func NewEventsHandler(sess *session.Session, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		session: sess,
	}
}

type stateSnapshot struct {
	Type    string          `json:"type"`
	State   string          `json:"state"`
	Display session.Display `json:"display"`
}

type intentCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Handle upgrades the request and serves it until the client goes away.
func (h *EventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var sendMu sync.Mutex
	send := func(snapshot stateSnapshot) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return conn.WriteJSON(snapshot)
	}

	done := make(chan struct{})
	go h.pushLoop(send, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		var cmd intentCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("malformed intent command", zap.Error(err))
			continue
		}
		switch cmd.Type {
		case "toggle":
			h.session.Toggle()
		case "listen_start":
			h.session.StartListening()
		case "listen_stop":
			h.session.StopListening()
		case "wake_word":
			h.session.WakeWordDetected(cmd.Text)
		default:
			h.logger.Debug("unknown intent command", zap.String("type", cmd.Type))
		}
	}
}

// pushLoop sends a snapshot whenever the state or transcript changes, and
// at least once per statePushInterval.
func (h *EventsHandler) pushLoop(send func(stateSnapshot) error, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var last stateSnapshot
	lastSent := time.Time{}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snapshot := stateSnapshot{
				Type:    "state",
				State:   string(h.session.State()),
				Display: h.session.Display(),
			}
			changed := snapshot.State != last.State ||
				snapshot.Display.Emotion != last.Display.Emotion ||
				len(snapshot.Display.Lines) != len(last.Display.Lines)
			if !changed && time.Since(lastSent) < statePushInterval {
				continue
			}
			if err := send(snapshot); err != nil {
				return
			}
			last = snapshot
			lastSent = time.Now()
		}
	}
}
