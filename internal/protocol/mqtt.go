package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/transport/codec"
)

const udpReadBufferSize = 4096

// MQTTConfig carries the control-plane connection settings for the split
// transport, typically resolved by the binding checker.
type MQTTConfig struct {
	Endpoint       string
	ClientID       string
	Username       string
	Password       string
	PublishTopic   string
	SubscribeTopic string
}

// SplitConfig represents a splitConfig.
type SplitConfig struct {
	MQTT            MQTTConfig
	DeviceID        string
	ClientID        string
	DeviceMAC       string
	AccessToken     string
	ProtocolVersion int
	AudioParams     AudioParams
}

// MQTTProtocol is the split transport: control JSON over MQTT, audio over a
// UDP socket with per-packet AES-CTR encryption. The control plane outlives
// the audio channel; closing one never tears down the other except through
// CloseAudioChannel or Dispose.
type MQTTProtocol struct {
	cfg     SplitConfig
	logger  *zap.Logger
	events  *Events
	session sessionRef
	timeout time.Duration

	client mqtt.Client

	// mu guards the datagram socket and its crypto context so a handshake
	// swap is atomic with respect to concurrent senders.
	mu       sync.Mutex
	udpConn  *net.UDPConn
	crypto   *codec.CryptoContext
	opened   bool
	disposed bool
	helloCh  chan serverHello
}

// NewMQTTProtocol executes the newMQTTProtocol function.
func NewMQTTProtocol(cfg SplitConfig, logger *zap.Logger) *MQTTProtocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = 1
	}
	cfg.AudioParams = normalizeAudioParams(cfg.AudioParams)
	return &MQTTProtocol{
		cfg:     cfg,
		logger:  logger,
		events:  NewEvents(),
		timeout: helloTimeout,
	}
}

// Start connects the control plane and subscribes to the inbound topic.
// Connection failures surface as error events so the session layer can
// retry via OpenAudioChannel later.
func (p *MQTTProtocol) Start(ctx context.Context) {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.MQTT.Endpoint).
		SetClientID(p.cfg.MQTT.ClientID).
		SetUsername(p.cfg.MQTT.Username).
		SetPassword(p.cfg.MQTT.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(helloTimeout)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(p.cfg.MQTT.SubscribeTopic, 1, p.handleControl)
		if token.Wait() && token.Error() != nil {
			p.logger.Warn("mqtt subscribe failed",
				zap.String("topic", p.cfg.MQTT.SubscribeTopic),
				zap.Error(token.Error()),
			)
			p.events.Errors.Publish(token.Error())
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", zap.Error(err))
		p.events.Errors.Publish(err)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	client := mqtt.NewClient(opts)
	p.client = client
	p.mu.Unlock()

	p.logger.Info("mqtt connecting",
		zap.String("endpoint", p.cfg.MQTT.Endpoint),
		zap.String("client_id", p.cfg.MQTT.ClientID),
	)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		p.logger.Warn("mqtt connect failed", zap.Error(token.Error()))
		p.events.Errors.Publish(token.Error())
	}
}

// OpenAudioChannel publishes a hello with transport "udp" and blocks for the
// reply carrying the datagram endpoint, key and nonce. On success it derives
// a fresh crypto context and opens a new UDP socket.
func (p *MQTTProtocol) OpenAudioChannel(ctx context.Context) bool {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return false
	}
	if p.opened {
		p.mu.Unlock()
		return true
	}
	client := p.client
	helloCh := make(chan serverHello, 1)
	p.helloCh = helloCh
	p.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		p.logger.Warn("audio channel open refused, control plane not connected")
		p.events.Errors.Publish(errors.New("mqtt control plane not connected"))
		return false
	}

	hello := buildHello("udp", p.cfg.ProtocolVersion, p.cfg.DeviceID, p.cfg.DeviceMAC, p.cfg.AccessToken, p.cfg.AudioParams)
	p.SendText(hello)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case reply := <-helloCh:
		return p.establishDataPlane(reply)
	case <-timer.C:
		p.logger.Warn("hello reply timed out", zap.Duration("timeout", p.timeout))
		p.events.Errors.Publish(errors.New("hello reply timed out"))
		p.clearHelloWait(helloCh)
		return false
	case <-ctx.Done():
		p.events.Errors.Publish(ctx.Err())
		p.clearHelloWait(helloCh)
		return false
	}
}

func (p *MQTTProtocol) establishDataPlane(reply serverHello) bool {
	if reply.Transport != "udp" || reply.UDP == nil {
		err := fmt.Errorf("hello reply transport %q, want udp", reply.Transport)
		p.logger.Warn("handshake rejected", zap.Error(err))
		p.events.Errors.Publish(err)
		return false
	}

	crypto, err := codec.NewCryptoContext(reply.UDP.Key, reply.UDP.Nonce)
	if err != nil {
		p.logger.Warn("crypto context init failed", zap.Error(err))
		p.events.Errors.Publish(err)
		return false
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(reply.UDP.Server, strconv.Itoa(reply.UDP.Port)))
	if err != nil {
		p.logger.Warn("udp endpoint resolve failed", zap.Error(err))
		p.events.Errors.Publish(err)
		return false
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		p.logger.Warn("udp dial failed", zap.Error(err))
		p.events.Errors.Publish(err)
		return false
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = conn.Close()
		return false
	}
	if p.udpConn != nil {
		_ = p.udpConn.Close()
	}
	p.udpConn = conn
	p.crypto = crypto
	p.opened = true
	p.mu.Unlock()

	p.session.Set(reply.SessionID)
	go p.receiveLoop(conn, crypto)

	p.logger.Info("audio channel opened",
		zap.String("session_id", reply.SessionID),
		zap.String("udp_endpoint", addr.String()),
	)
	p.events.State.Publish(ChannelOpened)
	return true
}

// CloseAudioChannel executes the closeAudioChannel method.
func (p *MQTTProtocol) CloseAudioChannel() {
	p.mu.Lock()
	conn := p.udpConn
	opened := p.opened
	p.udpConn = nil
	p.crypto = nil
	p.opened = false
	p.helloCh = nil
	p.mu.Unlock()

	if opened {
		SendGoodbye(p)
	}
	if conn != nil {
		_ = conn.Close()
	}
	p.session.Clear()
	if opened {
		p.events.State.Publish(ChannelClosed)
	}
}

// IsAudioChannelOpened executes the isAudioChannelOpened method.
func (p *MQTTProtocol) IsAudioChannelOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// SendAudio encrypts one frame under the current crypto context and hands it
// to the datagram socket.
func (p *MQTTProtocol) SendAudio(frame []byte) {
	p.mu.Lock()
	conn := p.udpConn
	if conn == nil || p.crypto == nil || !p.opened {
		p.mu.Unlock()
		p.logger.Debug("audio frame dropped, channel closed")
		return
	}
	packet := p.crypto.Seal(frame)
	p.mu.Unlock()

	if _, err := conn.Write(packet); err != nil {
		p.logger.Warn("audio send failed", zap.Error(err))
		p.events.Errors.Publish(err)
	}
}

// SendText publishes one control message on the configured topic.
func (p *MQTTProtocol) SendText(message string) {
	if message == "" {
		return
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		p.logger.Debug("control message dropped, control plane not connected")
		return
	}
	token := client.Publish(p.cfg.MQTT.PublishTopic, 1, false, message)
	go func() {
		if token.Wait() && token.Error() != nil {
			p.logger.Warn("control publish failed", zap.Error(token.Error()))
			p.events.Errors.Publish(token.Error())
		}
	}()
}

// SessionID executes the sessionID method.
func (p *MQTTProtocol) SessionID() string {
	return p.session.Get()
}

// Events executes the events method.
func (p *MQTTProtocol) Events() *Events {
	return p.events
}

// Dispose executes the dispose method.
func (p *MQTTProtocol) Dispose() {
	p.mu.Lock()
	p.disposed = true
	client := p.client
	p.client = nil
	p.mu.Unlock()

	p.CloseAudioChannel()
	if client != nil {
		client.Disconnect(250)
	}
	p.events.Close()
}

func (p *MQTTProtocol) handleControl(_ mqtt.Client, raw mqtt.Message) {
	p.dispatchControl(raw.Payload())
}

// dispatchControl routes one inbound control-plane message. hello and
// goodbye are intercepted locally; everything else goes downstream.
func (p *MQTTProtocol) dispatchControl(data []byte) {
	msg, err := parseControlMessage(data)
	if err != nil {
		p.logger.Warn("malformed control message", zap.Error(err))
		p.events.Errors.Publish(err)
		return
	}

	switch msg.Type {
	case "hello":
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
	case "goodbye":
		if msg.SessionID == "" || msg.SessionID == p.session.Get() {
			p.logger.Info("server goodbye, closing audio channel",
				zap.String("session_id", msg.SessionID),
			)
			p.CloseAudioChannel()
		}
	default:
		if msg.SessionID != "" {
			p.session.Set(msg.SessionID)
		}
		p.events.Control.Publish(msg)
	}
}

func (p *MQTTProtocol) receiveLoop(conn *net.UDPConn, crypto *codec.CryptoContext) {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			p.mu.Lock()
			current := p.udpConn == conn
			p.mu.Unlock()
			if current {
				p.logger.Warn("udp receive failed", zap.Error(err))
				p.events.Errors.Publish(err)
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		p.mu.Lock()
		if p.udpConn != conn {
			p.mu.Unlock()
			return
		}
		payload, gap, err := crypto.Open(packet)
		remote := crypto.RemoteSequence()
		p.mu.Unlock()

		if err != nil {
			if errors.Is(err, codec.ErrStalePacket) || errors.Is(err, codec.ErrPacketType) {
				p.logger.Debug("audio packet dropped", zap.Error(err))
			} else {
				p.logger.Warn("audio packet rejected", zap.Error(err))
			}
			continue
		}
		if gap {
			p.logger.Warn("audio sequence gap", zap.Uint32("sequence", remote))
		}
		p.events.Audio.Publish(payload)
	}
}

func (p *MQTTProtocol) clearHelloWait(ch chan serverHello) {
	p.mu.Lock()
	if p.helloCh == ch {
		p.helloCh = nil
	}
	p.mu.Unlock()
}

// SendGoodbye tells the server the session is over.
func SendGoodbye(p Protocol) {
	p.SendText(encodeControl(map[string]any{
		"session_id": p.SessionID(),
		"type":       "goodbye",
	}))
}
