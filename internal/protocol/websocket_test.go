package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// helloServer upgrades the connection, waits for the client hello and
// answers with the given reply. An empty reply keeps the server silent.
func helloServer(t *testing.T, reply string, gotHeaders chan<- http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotHeaders != nil {
			gotHeaders <- r.Header.Clone()
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hello map[string]any
		if err := json.Unmarshal(data, &hello); err != nil || hello["type"] != "hello" {
			t.Errorf("first message %q is not a hello", data)
			return
		}
		if reply != "" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestWebSocketProtocol(url string) *WebSocketProtocol {
	p := NewWebSocketProtocol(WebSocketConfig{
		URL:         url,
		AccessToken: "token-1",
		DeviceID:    "aa:bb:cc:dd:ee:ff",
		ClientID:    "client-1",
	}, nil)
	p.timeout = 500 * time.Millisecond
	return p
}

func TestOpenAudioChannelCompletesHandshake(t *testing.T) {
	headers := make(chan http.Header, 1)
	server := helloServer(t, `{"type":"hello","session_id":"abc","audio_params":{"sample_rate":24000}}`, headers)
	defer server.Close()

	p := newTestWebSocketProtocol(wsURL(server))
	defer p.Dispose()

	states, cancel := p.Events().State.Subscribe()
	defer cancel()

	if !p.OpenAudioChannel(t.Context()) {
		t.Fatal("OpenAudioChannel=false, want true")
	}
	if !p.IsAudioChannelOpened() {
		t.Fatal("IsAudioChannelOpened=false after successful open")
	}
	if got := p.SessionID(); got != "abc" {
		t.Fatalf("session id=%q, want abc", got)
	}
	if got := p.ServerAudioParams().SampleRate; got != 24000 {
		t.Fatalf("negotiated sample rate=%d, want 24000", got)
	}

	select {
	case state := <-states:
		if state != ChannelOpened {
			t.Fatalf("state event=%v, want opened", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no channel state event after open")
	}

	sent := <-headers
	if got := sent.Get("Device-Id"); got != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("Device-Id header=%q", got)
	}
	if got := sent.Get("Client-Id"); got != "client-1" {
		t.Fatalf("Client-Id header=%q", got)
	}
	if got := sent.Get("Authorization"); got != "Bearer token-1" {
		t.Fatalf("Authorization header=%q", got)
	}
	if got := sent.Get("Protocol-Version"); got != "1" {
		t.Fatalf("Protocol-Version header=%q", got)
	}
}

func TestOpenAudioChannelHandshakeTimeout(t *testing.T) {
	server := helloServer(t, "", nil)
	defer server.Close()

	p := newTestWebSocketProtocol(wsURL(server))
	defer p.Dispose()

	if p.OpenAudioChannel(t.Context()) {
		t.Fatal("OpenAudioChannel=true with no hello reply")
	}
	if p.IsAudioChannelOpened() {
		t.Fatal("IsAudioChannelOpened=true after failed handshake")
	}
	if p.SessionID() != "" {
		t.Fatalf("session id=%q after failed handshake, want empty", p.SessionID())
	}
}

func TestOpenAudioChannelDialFailure(t *testing.T) {
	p := newTestWebSocketProtocol("ws://127.0.0.1:1/session")
	defer p.Dispose()

	errs, cancel := p.Events().Errors.Subscribe()
	defer cancel()

	if p.OpenAudioChannel(t.Context()) {
		t.Fatal("OpenAudioChannel=true against unreachable server")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("no network-error event after dial failure")
	}
}

func TestCloseAudioChannelIdempotent(t *testing.T) {
	server := helloServer(t, `{"type":"hello","session_id":"s9"}`, nil)
	defer server.Close()

	p := newTestWebSocketProtocol(wsURL(server))
	defer p.Dispose()

	states, cancel := p.Events().State.Subscribe()
	defer cancel()

	if !p.OpenAudioChannel(t.Context()) {
		t.Fatal("OpenAudioChannel=false, want true")
	}
	<-states

	p.CloseAudioChannel()
	if p.IsAudioChannelOpened() {
		t.Fatal("IsAudioChannelOpened=true after close")
	}
	if p.SessionID() != "" {
		t.Fatalf("session id=%q after close, want empty", p.SessionID())
	}

	select {
	case state := <-states:
		if state != ChannelClosed {
			t.Fatalf("state event=%v, want closed", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no closed event after CloseAudioChannel")
	}

	// Second close must not emit another event.
	p.CloseAudioChannel()
	select {
	case state := <-states:
		t.Fatalf("unexpected state event after repeated close: %v", state)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestControlMessagesForwardedNeverDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		replies := []string{
			`{"type":"hello","session_id":"s1"}`,
			`{"type":"stt","text":"hi"}`,
			`{"type":"mystery","value":1}`,
		}
		for _, reply := range replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := newTestWebSocketProtocol(wsURL(server))
	defer p.Dispose()

	control, cancel := p.Events().Control.Subscribe()
	defer cancel()

	if !p.OpenAudioChannel(t.Context()) {
		t.Fatal("OpenAudioChannel=false, want true")
	}

	want := []string{"stt", "mystery"}
	for _, wantType := range want {
		select {
		case msg := <-control:
			if msg.Type != wantType {
				t.Fatalf("control type=%q, want %q", msg.Type, wantType)
			}
		case <-time.After(time.Second):
			t.Fatalf("control message %q never forwarded", wantType)
		}
	}
}

func TestSendAudioDroppedWhenClosed(t *testing.T) {
	p := newTestWebSocketProtocol("ws://127.0.0.1:1/session")
	defer p.Dispose()

	// Must be a silent no-op, not a panic or error.
	p.SendAudio([]byte{0x01})
	p.SendText(`{"type":"listen"}`)
}
