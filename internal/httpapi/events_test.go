package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dourok/voicebot/internal/session"
)

func TestEventsStreamPushesSnapshots(t *testing.T) {
	sess := session.New(session.Config{}, nil, session.Devices{}, nil)
	router := NewRouter(Deps{Session: sess}, nil)

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot stateSnapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "state" {
		t.Fatalf("snapshot type=%q, want state", snapshot.Type)
	}
	if snapshot.State != "unknown" {
		t.Fatalf("snapshot state=%q, want unknown before Run", snapshot.State)
	}
}

func TestEventsStreamAcceptsIntentCommands(t *testing.T) {
	sess := session.New(session.Config{}, nil, session.Devices{}, nil)
	router := NewRouter(Deps{Session: sess}, nil)

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close()

	// Unknown commands are tolerated, known ones enqueue intents.
	for _, payload := range []string{
		`{"type":"toggle"}`,
		`{"type":"wake_word","text":"hey bot"}`,
		`{"type":"bogus"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatalf("write command %s: %v", payload, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot stateSnapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("connection died after commands: %v", err)
	}
}
