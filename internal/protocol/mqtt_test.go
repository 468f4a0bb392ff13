package protocol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/dourok/voicebot/internal/transport/codec"
)

const (
	splitTestKey   = "000102030405060708090a0b0c0d0e0f"
	splitTestNonce = "01000000000000000000000000000000"
)

func newTestMQTTProtocol() *MQTTProtocol {
	p := NewMQTTProtocol(SplitConfig{
		DeviceID: "aa:bb:cc:dd:ee:ff",
		ClientID: "client-1",
	}, nil)
	p.timeout = 500 * time.Millisecond
	return p
}

func TestEstablishDataPlaneRejectsNonUDPTransport(t *testing.T) {
	p := newTestMQTTProtocol()
	defer p.Dispose()

	ok := p.establishDataPlane(serverHello{
		Type:      "hello",
		Transport: "websocket",
		SessionID: "s1",
	})
	if ok {
		t.Fatal("establishDataPlane=true for non-udp transport")
	}
	if p.IsAudioChannelOpened() {
		t.Fatal("channel opened despite rejected handshake")
	}
}

func TestEstablishDataPlaneRejectsBadKey(t *testing.T) {
	p := newTestMQTTProtocol()
	defer p.Dispose()

	ok := p.establishDataPlane(serverHello{
		Type:      "hello",
		Transport: "udp",
		UDP:       &UDPConfig{Server: "127.0.0.1", Port: 9000, Key: "zz", Nonce: splitTestNonce},
	})
	if ok {
		t.Fatal("establishDataPlane=true with invalid key")
	}
}

func TestEstablishDataPlaneSendsEncryptedAudio(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	p := newTestMQTTProtocol()
	defer p.Dispose()

	states, cancel := p.Events().State.Subscribe()
	defer cancel()

	ok := p.establishDataPlane(serverHello{
		Type:      "hello",
		Transport: "udp",
		SessionID: "udp-session",
		UDP:       &UDPConfig{Server: "127.0.0.1", Port: port, Key: splitTestKey, Nonce: splitTestNonce},
	})
	if !ok {
		t.Fatal("establishDataPlane=false, want true")
	}
	if !p.IsAudioChannelOpened() {
		t.Fatal("IsAudioChannelOpened=false after handshake")
	}
	if got := p.SessionID(); got != "udp-session" {
		t.Fatalf("session id=%q, want udp-session", got)
	}
	select {
	case state := <-states:
		if state != ChannelOpened {
			t.Fatalf("state event=%v, want opened", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no opened event after handshake")
	}

	frame := []byte{0x10, 0x20, 0x30}
	p.SendAudio(frame)

	if err := listener.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	buf := make([]byte, 256)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read udp packet: %v", err)
	}

	peer, err := codec.NewCryptoContext(splitTestKey, splitTestNonce)
	if err != nil {
		t.Fatalf("peer crypto context: %v", err)
	}
	payload, gap, err := peer.Open(buf[:n])
	if err != nil {
		t.Fatalf("peer decrypt failed: %v", err)
	}
	if gap {
		t.Fatal("gap=true for first packet")
	}
	if !bytes.Equal(payload, frame) {
		t.Fatalf("decrypted payload=%v, want %v", payload, frame)
	}

	p.CloseAudioChannel()
	if p.IsAudioChannelOpened() {
		t.Fatal("IsAudioChannelOpened=true after close")
	}
	if p.SessionID() != "" {
		t.Fatalf("session id=%q after close, want empty", p.SessionID())
	}
}

func TestDispatchControlInterceptsGoodbye(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	p := newTestMQTTProtocol()
	defer p.Dispose()

	ok := p.establishDataPlane(serverHello{
		Type:      "hello",
		Transport: "udp",
		SessionID: "s1",
		UDP:       &UDPConfig{Server: "127.0.0.1", Port: port, Key: splitTestKey, Nonce: splitTestNonce},
	})
	if !ok {
		t.Fatal("establishDataPlane=false, want true")
	}

	// A goodbye for a different session leaves the channel alone.
	p.dispatchControl([]byte(`{"type":"goodbye","session_id":"other"}`))
	if !p.IsAudioChannelOpened() {
		t.Fatal("channel closed by goodbye for another session")
	}

	p.dispatchControl([]byte(`{"type":"goodbye","session_id":"s1"}`))
	if p.IsAudioChannelOpened() {
		t.Fatal("channel still open after matching goodbye")
	}
}

func TestDispatchControlForwardsOtherTypes(t *testing.T) {
	p := newTestMQTTProtocol()
	defer p.Dispose()

	control, cancel := p.Events().Control.Subscribe()
	defer cancel()

	p.dispatchControl([]byte(`{"type":"tts","state":"start","session_id":"s2"}`))

	select {
	case msg := <-control:
		if msg.Type != "tts" || msg.State != "start" {
			t.Fatalf("control message=%+v, want tts/start", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("control message not forwarded")
	}
	if got := p.SessionID(); got != "s2" {
		t.Fatalf("session id=%q, want s2", got)
	}
}
