// Package session drives the device conversation loop: it consumes protocol
// events and user intents, owns the device state machine and pumps audio
// between the capture/playback devices and the transport.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/audio"
	"github.com/dourok/voicebot/internal/protocol"
	"github.com/dourok/voicebot/internal/session/fsm"
	"github.com/dourok/voicebot/internal/storage"
)

// defaultSettleDelay is the pause between aborting playback and entering
// manual listening, long enough for the output path to go quiet.
const defaultSettleDelay = 120 * time.Millisecond

type intentKind int

const (
	intentToggle intentKind = iota
	intentStartListening
	intentStopListening
	intentWakeWord
	intentActivationBegin
	intentActivationEnd
)

type intent struct {
	kind intentKind
	text string
}

// Config represents a config.
type Config struct {
	// DeviceUID names the transcript directory for this device.
	DeviceUID string
	// TranscriptDir enables transcript persistence when non-empty.
	TranscriptDir string
	// KeepListening resumes auto-stop listening after playback finishes.
	KeepListening bool
	// SettleDelay overrides the abort-to-listening pause.
	SettleDelay time.Duration
}

// Devices bundles the audio collaborators the session drives.
type Devices struct {
	Encoder audio.Encoder
	Decoder audio.Decoder
	Capture audio.CaptureSource
	Player  audio.PlaybackSink
}

// ChatLine is one transcript line for display.
type ChatLine struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Display is the presentation snapshot: transcript so far plus the current
// emotion value.
type Display struct {
	Emotion string     `json:"emotion"`
	Lines   []ChatLine `json:"lines"`
}

// Session owns the device state machine. All transitions happen on the
// intent pump goroutine; other actors submit intents or read snapshots.
type Session struct {
	cfg     Config
	logger  *zap.Logger
	proto   protocol.Protocol
	machine *fsm.Machine
	devices Devices

	// dispatchIot forwards iot command payloads to the external device
	// command dispatcher.
	dispatchIot func(json.RawMessage)

	// onActivationToggle runs when the button is pressed while the device
	// is waiting to be paired, so the owner can kick the pairing flow or
	// reboot into it.
	onActivationToggle func()

	intents chan intent
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	displayMu     sync.Mutex
	display       Display
	transcriptUID string

	closeOnce sync.Once
}

// New executes the new function.
func New(cfg Config, proto protocol.Protocol, devices Devices, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return &Session{
		cfg:     cfg,
		logger:  logger,
		proto:   proto,
		machine: fsm.New(),
		devices: devices,
		intents: make(chan intent, 8),
	}
}

// SetIotDispatcher installs the external iot command handler. Must be called
// before Run.
func (s *Session) SetIotDispatcher(dispatch func(json.RawMessage)) {
	s.dispatchIot = dispatch
}

// SetActivationHandler installs the handler invoked by a toggle while the
// device is activating. Must be called before Run.
func (s *Session) SetActivationHandler(handler func()) {
	s.onActivationToggle = handler
}

// BeginActivation moves the device into the activating state until pairing
// completes.
func (s *Session) BeginActivation() {
	s.submit(intent{kind: intentActivationBegin})
}

// EndActivation leaves the activating state once the device is bound.
func (s *Session) EndActivation() {
	s.submit(intent{kind: intentActivationEnd})
}

// Run starts the transport and the three pumps. It returns once the pumps
// are running; Close tears everything down.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	_ = s.machine.Force(fsm.StateStarting)
	s.machine.SetKeepListening(s.cfg.KeepListening)
	s.proto.Start(ctx)

	if s.cfg.TranscriptDir != "" {
		uid, err := storage.CreateTranscript(s.cfg.TranscriptDir, s.cfg.DeviceUID)
		if err != nil {
			s.logger.Warn("transcript create failed", zap.Error(err))
		} else {
			s.transcriptUID = uid
		}
	}

	_ = s.machine.Force(fsm.StateIdle)

	s.wg.Add(3)
	go s.pumpIntents(ctx)
	go s.pumpCapture(ctx)
	go s.pumpPlayback(ctx)
}

// State returns the current device state.
func (s *Session) State() fsm.State {
	return s.machine.State()
}

// Display returns the presentation snapshot.
func (s *Session) Display() Display {
	s.displayMu.Lock()
	defer s.displayMu.Unlock()
	lines := make([]ChatLine, len(s.display.Lines))
	copy(lines, s.display.Lines)
	return Display{Emotion: s.display.Emotion, Lines: lines}
}

// Toggle submits the main-button intent.
func (s *Session) Toggle() {
	s.submit(intent{kind: intentToggle})
}

// StartListening submits a push-to-talk press.
func (s *Session) StartListening() {
	s.submit(intent{kind: intentStartListening})
}

// StopListening submits a push-to-talk release.
func (s *Session) StopListening() {
	s.submit(intent{kind: intentStopListening})
}

// WakeWordDetected submits a locally detected wake word.
func (s *Session) WakeWordDetected(word string) {
	s.submit(intent{kind: intentWakeWord, text: word})
}

func (s *Session) submit(it intent) {
	select {
	case s.intents <- it:
	default:
		s.logger.Warn("intent dropped, pump busy", zap.Int("kind", int(it.kind)))
	}
}

// Close tears the session down: transport first, then encoder, decoder,
// player and capture. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.proto.CloseAudioChannel()
		s.proto.Dispose()
		s.wg.Wait()
		if s.devices.Encoder != nil {
			_ = s.devices.Encoder.Close()
		}
		if s.devices.Decoder != nil {
			_ = s.devices.Decoder.Close()
		}
		if s.devices.Player != nil {
			_ = s.devices.Player.Close()
		}
		if s.devices.Capture != nil {
			_ = s.devices.Capture.Close()
		}
	})
}

// pumpIntents is the single writer of the device state machine.
func (s *Session) pumpIntents(ctx context.Context) {
	defer s.wg.Done()

	control, cancelControl := s.proto.Events().Control.Subscribe()
	defer cancelControl()
	states, cancelStates := s.proto.Events().State.Subscribe()
	defer cancelStates()

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.intents:
			s.handleIntent(ctx, it)
		case msg, ok := <-control:
			if !ok {
				return
			}
			s.handleControl(ctx, msg)
		case state, ok := <-states:
			if !ok {
				return
			}
			s.handleChannelState(state)
		}
	}
}

func (s *Session) handleIntent(ctx context.Context, it intent) {
	switch it.kind {
	case intentToggle:
		s.handleToggle(ctx)
	case intentStartListening:
		s.handleStartListening(ctx)
	case intentStopListening:
		s.handleStopListening()
	case intentWakeWord:
		s.handleWakeWord(it.text)
	case intentActivationBegin:
		s.handleActivationBegin()
	case intentActivationEnd:
		s.handleActivationEnd()
	}
}

func (s *Session) handleActivationBegin() {
	if s.machine.State() == fsm.StateActivating {
		return
	}
	if s.proto.IsAudioChannelOpened() {
		s.proto.CloseAudioChannel()
	}
	s.logger.Info("device needs activation")
	_ = s.machine.Force(fsm.StateActivating)
}

func (s *Session) handleActivationEnd() {
	if s.machine.State() != fsm.StateActivating {
		return
	}
	s.logger.Info("device activated")
	_ = s.machine.Force(fsm.StateIdle)
}

func (s *Session) handleToggle(ctx context.Context) {
	switch s.machine.State() {
	case fsm.StateActivating:
		// Pairing is still pending; hand the press to the pairing flow.
		if s.onActivationToggle != nil {
			s.onActivationToggle()
			return
		}
		s.logger.Info("toggle while activating, no pairing handler installed")
	case fsm.StateIdle:
		s.openAndListen(ctx, protocol.ListeningModeAutoStop, 0)
	case fsm.StateSpeaking:
		s.abortSpeaking(protocol.AbortReasonNone)
	case fsm.StateListening:
		s.proto.CloseAudioChannel()
		_ = s.machine.Force(fsm.StateIdle)
	default:
		s.logger.Debug("toggle ignored", zap.String("state", string(s.machine.State())))
	}
}

func (s *Session) handleStartListening(ctx context.Context) {
	switch s.machine.State() {
	case fsm.StateActivating:
		s.logger.Info("listen intent ignored, device is activating")
	case fsm.StateIdle:
		if s.proto.IsAudioChannelOpened() {
			protocol.SendStartListening(s.proto, protocol.ListeningModeManual)
			_ = s.machine.Force(fsm.StateListening)
			return
		}
		s.openAndListen(ctx, protocol.ListeningModeManual, 0)
	case fsm.StateSpeaking:
		s.abortSpeaking(protocol.AbortReasonNone)
		protocol.SendStartListening(s.proto, protocol.ListeningModeManual)
		sleepCtx(ctx, s.cfg.SettleDelay)
		_ = s.machine.Force(fsm.StateListening)
	}
}

func (s *Session) handleStopListening() {
	if s.machine.State() != fsm.StateListening {
		return
	}
	protocol.SendStopListening(s.proto)
	_ = s.machine.Force(fsm.StateIdle)
}

func (s *Session) handleWakeWord(word string) {
	if s.machine.State() == fsm.StateSpeaking {
		s.abortSpeaking(protocol.AbortReasonWakeWordDetected)
	}
	protocol.SendWakeWordDetected(s.proto, word)
}

func (s *Session) openAndListen(ctx context.Context, mode protocol.ListeningMode, settle time.Duration) {
	_ = s.machine.Force(fsm.StateConnecting)
	if !s.proto.OpenAudioChannel(ctx) {
		s.logger.Warn("audio channel open failed")
		_ = s.machine.Force(fsm.StateIdle)
		return
	}
	protocol.SendStartListening(s.proto, mode)
	if settle > 0 {
		sleepCtx(ctx, settle)
	}
	_ = s.machine.Force(fsm.StateListening)
}

func (s *Session) abortSpeaking(reason protocol.AbortReason) {
	s.machine.MarkAborted()
	protocol.SendAbortSpeaking(s.proto, reason)
}

func (s *Session) handleControl(ctx context.Context, msg protocol.ControlMessage) {
	switch msg.Type {
	case "tts":
		switch msg.State {
		case "start":
			if s.machine.OnTTSStart() {
				s.logger.Debug("speaking started")
			}
		case "stop":
			s.handleTTSStop(ctx)
		case "sentence_start":
			if msg.Text != "" {
				s.appendLine("assistant", msg.Text)
			}
		}
	case "stt":
		if msg.Text != "" {
			s.appendLine("user", msg.Text)
		}
	case "llm":
		if msg.Emotion != "" {
			s.setEmotion(msg.Emotion)
		}
	case "iot":
		if s.dispatchIot != nil {
			s.dispatchIot(msg.Raw)
		}
	}
}

func (s *Session) handleTTSStop(ctx context.Context) {
	if !s.machine.OnTTSStop() {
		return
	}
	if s.devices.Player != nil {
		if err := s.devices.Player.WaitForDrain(ctx); err != nil {
			s.logger.Debug("playback drain interrupted", zap.Error(err))
		}
	}
	if s.machine.KeepListening() && !s.machine.Aborted() {
		protocol.SendStartListening(s.proto, protocol.ListeningModeAutoStop)
		_ = s.machine.Force(fsm.StateListening)
		return
	}
	_ = s.machine.Force(fsm.StateIdle)
}

func (s *Session) handleChannelState(state protocol.ChannelState) {
	if state != protocol.ChannelClosed {
		return
	}
	switch s.machine.State() {
	case fsm.StateConnecting, fsm.StateListening, fsm.StateSpeaking:
		s.logger.Info("audio channel closed, back to idle")
		_ = s.machine.Force(fsm.StateIdle)
	}
}

// pumpCapture ships microphone PCM through the encoder to the transport
// while the device is listening.
func (s *Session) pumpCapture(ctx context.Context) {
	defer s.wg.Done()
	if s.devices.Capture == nil || s.devices.Encoder == nil {
		return
	}
	for {
		pcm, err := s.devices.Capture.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("capture read failed", zap.Error(err))
			}
			return
		}
		if !s.machine.MaySendAudio() {
			continue
		}
		frame, err := s.devices.Encoder.Encode(pcm)
		if err != nil {
			s.logger.Warn("encode failed", zap.Error(err))
			continue
		}
		if len(frame) == 0 {
			continue
		}
		s.proto.SendAudio(frame)
	}
}

// pumpPlayback decodes received frames and plays them while the device is
// speaking and the turn was not aborted.
func (s *Session) pumpPlayback(ctx context.Context) {
	defer s.wg.Done()

	frames, cancel := s.proto.Events().Audio.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !s.machine.MayPlayAudio() {
				continue
			}
			if s.devices.Decoder == nil || s.devices.Player == nil {
				continue
			}
			pcm, err := s.devices.Decoder.Decode(frame)
			if err != nil {
				s.logger.Warn("decode failed", zap.Error(err))
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if err := s.devices.Player.Play(pcm); err != nil {
				s.logger.Warn("playback failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) appendLine(role string, text string) {
	s.displayMu.Lock()
	s.display.Lines = append(s.display.Lines, ChatLine{Role: role, Text: text})
	s.displayMu.Unlock()

	if s.cfg.TranscriptDir != "" && s.transcriptUID != "" {
		if err := storage.AppendMessage(s.cfg.TranscriptDir, s.cfg.DeviceUID, s.transcriptUID, role, text); err != nil {
			s.logger.Warn("transcript append failed", zap.Error(err))
		}
	}
}

func (s *Session) setEmotion(emotion string) {
	s.displayMu.Lock()
	s.display.Emotion = emotion
	s.displayMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
