package protocol

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const helloTimeout = 10 * time.Second

// WebSocketConfig represents a webSocketConfig.
type WebSocketConfig struct {
	URL             string
	AccessToken     string
	DeviceID        string
	ClientID        string
	DeviceMAC       string
	ProtocolVersion int
	AudioParams     AudioParams
}

// WebSocketProtocol carries control messages and binary audio frames over a
// single full-duplex connection. The connection is established lazily by
// OpenAudioChannel; Start has nothing to prepare.
type WebSocketProtocol struct {
	cfg     WebSocketConfig
	logger  *zap.Logger
	events  *Events
	session sessionRef
	timeout time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	opened       bool
	disposed     bool
	helloCh      chan serverHello
	serverParams AudioParams

	writeMu sync.Mutex
}

// NewWebSocketProtocol executes the newWebSocketProtocol function.
func NewWebSocketProtocol(cfg WebSocketConfig, logger *zap.Logger) *WebSocketProtocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = 1
	}
	cfg.AudioParams = normalizeAudioParams(cfg.AudioParams)
	return &WebSocketProtocol{
		cfg:          cfg,
		logger:       logger,
		events:       NewEvents(),
		timeout:      helloTimeout,
		serverParams: cfg.AudioParams,
	}
}

// Start executes the start method.
func (p *WebSocketProtocol) Start(ctx context.Context) {}

// OpenAudioChannel dials the server, sends the hello and blocks until the
// hello reply arrives or the timeout expires. Already-open channels return
// true immediately.
func (p *WebSocketProtocol) OpenAudioChannel(ctx context.Context) bool {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return false
	}
	if p.opened {
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	headers := http.Header{}
	headers.Set("Protocol-Version", strconv.Itoa(p.cfg.ProtocolVersion))
	headers.Set("Device-Id", p.cfg.DeviceID)
	headers.Set("Client-Id", p.cfg.ClientID)
	if p.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+p.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.timeout}
	conn, _, err := dialer.DialContext(ctx, p.cfg.URL, headers)
	if err != nil {
		p.logger.Warn("websocket dial failed", zap.String("url", p.cfg.URL), zap.Error(err))
		p.events.Errors.Publish(err)
		return false
	}

	helloCh := make(chan serverHello, 1)
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = conn
	p.helloCh = helloCh
	p.mu.Unlock()
	p.session.Clear()

	go p.readLoop(conn)

	hello := buildHello("websocket", p.cfg.ProtocolVersion, p.cfg.DeviceID, p.cfg.DeviceMAC, p.cfg.AccessToken, p.cfg.AudioParams)
	if err := p.writeText(conn, hello); err != nil {
		p.logger.Warn("hello send failed", zap.Error(err))
		p.events.Errors.Publish(err)
		p.dropConn(conn)
		return false
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case reply := <-helloCh:
		p.session.Set(reply.SessionID)
		p.mu.Lock()
		p.opened = true
		if reply.AudioParams != nil {
			p.serverParams = mergeAudioParams(p.cfg.AudioParams, *reply.AudioParams)
		}
		p.mu.Unlock()
		p.logger.Info("audio channel opened",
			zap.String("session_id", reply.SessionID),
			zap.Int("sample_rate", p.ServerAudioParams().SampleRate),
		)
		p.events.State.Publish(ChannelOpened)
		return true
	case <-timer.C:
		p.logger.Warn("hello reply timed out", zap.Duration("timeout", p.timeout))
		p.events.Errors.Publish(errors.New("hello reply timed out"))
		p.dropConn(conn)
		return false
	case <-ctx.Done():
		p.events.Errors.Publish(ctx.Err())
		p.dropConn(conn)
		return false
	}
}

// CloseAudioChannel executes the closeAudioChannel method.
func (p *WebSocketProtocol) CloseAudioChannel() {
	p.mu.Lock()
	conn := p.conn
	opened := p.opened
	p.conn = nil
	p.opened = false
	p.helloCh = nil
	p.mu.Unlock()

	if conn != nil {
		if opened {
			goodbye := encodeControl(map[string]any{
				"session_id": p.session.Get(),
				"type":       "goodbye",
			})
			if err := p.writeText(conn, goodbye); err != nil {
				p.logger.Debug("goodbye send failed", zap.Error(err))
			}
		}
		_ = conn.Close()
	}
	p.session.Clear()
	if opened {
		p.events.State.Publish(ChannelClosed)
	}
}

// IsAudioChannelOpened executes the isAudioChannelOpened method.
func (p *WebSocketProtocol) IsAudioChannelOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// SendAudio executes the sendAudio method.
func (p *WebSocketProtocol) SendAudio(frame []byte) {
	p.mu.Lock()
	conn := p.conn
	opened := p.opened
	p.mu.Unlock()
	if conn == nil || !opened {
		p.logger.Debug("audio frame dropped, channel closed")
		return
	}
	p.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame)
	p.writeMu.Unlock()
	if err != nil {
		p.logger.Warn("audio send failed", zap.Error(err))
		p.events.Errors.Publish(err)
	}
}

// SendText executes the sendText method.
func (p *WebSocketProtocol) SendText(message string) {
	if message == "" {
		return
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		p.logger.Debug("control message dropped, connection absent")
		return
	}
	if err := p.writeText(conn, message); err != nil {
		p.logger.Warn("control send failed", zap.Error(err))
		p.events.Errors.Publish(err)
	}
}

// SessionID executes the sessionID method.
func (p *WebSocketProtocol) SessionID() string {
	return p.session.Get()
}

// Events executes the events method.
func (p *WebSocketProtocol) Events() *Events {
	return p.events
}

// ServerAudioParams returns the audio parameters negotiated in the last
// handshake, falling back to the requested parameters.
func (p *WebSocketProtocol) ServerAudioParams() AudioParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverParams
}

// Dispose executes the dispose method.
func (p *WebSocketProtocol) Dispose() {
	p.mu.Lock()
	p.disposed = true
	p.mu.Unlock()
	p.CloseAudioChannel()
	p.events.Close()
}

func (p *WebSocketProtocol) writeText(conn *websocket.Conn, message string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (p *WebSocketProtocol) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			p.handleDisconnect(conn, err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			frame := make([]byte, len(data))
			copy(frame, data)
			p.events.Audio.Publish(frame)
		case websocket.TextMessage:
			p.handleText(data)
		}
	}
}

func (p *WebSocketProtocol) handleText(data []byte) {
	msg, err := parseControlMessage(data)
	if err != nil {
		p.logger.Warn("malformed control message", zap.Error(err))
		p.events.Errors.Publish(err)
		return
	}

	if msg.Type == "hello" {
		reply, err := parseServerHello(data)
		if err != nil {
			p.logger.Warn("malformed hello reply", zap.Error(err))
			p.events.Errors.Publish(err)
			return
		}
		p.mu.Lock()
		ch := p.helloCh
		p.helloCh = nil
		p.mu.Unlock()
		if ch != nil {
			ch <- reply
		}
		return
	}

	// Message shape from the server is not fully trusted; unrecognized
	// types still go downstream instead of being dropped.
	if msg.SessionID != "" {
		p.session.Set(msg.SessionID)
	}
	p.events.Control.Publish(msg)
}

func (p *WebSocketProtocol) handleDisconnect(conn *websocket.Conn, err error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	opened := p.opened
	p.conn = nil
	p.opened = false
	p.helloCh = nil
	p.mu.Unlock()

	p.session.Clear()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.logger.Warn("websocket connection lost", zap.Error(err))
		p.events.Errors.Publish(err)
	}
	if opened {
		p.events.State.Publish(ChannelClosed)
	}
}

// dropConn tears down a connection that never completed its handshake.
func (p *WebSocketProtocol) dropConn(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.helloCh = nil
	}
	p.mu.Unlock()
	_ = conn.Close()
	p.session.Clear()
}

func mergeAudioParams(requested AudioParams, reply AudioParams) AudioParams {
	merged := requested
	if reply.Format != "" {
		merged.Format = reply.Format
	}
	if reply.SampleRate > 0 {
		merged.SampleRate = reply.SampleRate
	}
	if reply.Channels > 0 {
		merged.Channels = reply.Channels
	}
	if reply.FrameDuration > 0 {
		merged.FrameDuration = reply.FrameDuration
	}
	return merged
}
