// Package app assembles the voicebot client: configuration, identity,
// binding discovery, the session transport and the local status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/audio"
	"github.com/dourok/voicebot/internal/binding"
	appconfig "github.com/dourok/voicebot/internal/config"
	"github.com/dourok/voicebot/internal/device"
	"github.com/dourok/voicebot/internal/httpapi"
	applogger "github.com/dourok/voicebot/internal/logger"
	"github.com/dourok/voicebot/internal/protocol"
	"github.com/dourok/voicebot/internal/session"
	"github.com/dourok/voicebot/internal/settings"
)

const appVersion = "1.0.0"

// Options configure a client instance. Capture and Player are the platform
// audio devices; either may be nil, which disables that direction.
type Options struct {
	ConfigPath string
	Capture    audio.CaptureSource
	Player     audio.PlaybackSink
}

// App represents a app.
type App struct {
	cfg      appconfig.Config
	logger   *zap.Logger
	store    *settings.Store
	identity device.Identity
	checker  *binding.Checker
	opts     Options

	sess   *session.Session
	server *http.Server
}

// New executes the new function.
func New(opts Options) (*App, error) {
	cfg, err := appconfig.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load voicebot config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("voicebot config loaded",
		zap.String("config_path", opts.ConfigPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("transport", cfg.Transport),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	store, err := settings.Open(settings.Options{Dir: cfg.SettingsDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	identity, err := device.ResolveIdentity(store, cfg.DeviceID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("resolve device identity: %w", err)
	}
	if cfg.ClientID != "" {
		identity.ClientID = cfg.ClientID
	}
	logger.Info("device identity resolved",
		zap.String("device_id", identity.DeviceID),
		zap.String("client_id", identity.ClientID),
	)

	var checker *binding.Checker
	if cfg.OTAURL != "" {
		checker = binding.NewChecker(binding.Config{
			DiscoveryURL: cfg.OTAURL,
			Identity:     identity,
			Info:         device.NewInfo(identity, "voicebot", appVersion),
		}, store, logger)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		identity: identity,
		checker:  checker,
		opts:     opts,
	}, nil
}

// Run resolves the server endpoint, starts the session and serves the local
// API until ctx ends.
func (a *App) Run(ctx context.Context) error {
	endpoint, err := a.resolveEndpoint(ctx)
	if err != nil {
		return err
	}

	proto, err := a.buildProtocol(endpoint)
	if err != nil {
		return err
	}

	devices, err := a.buildDevices()
	if err != nil {
		proto.Dispose()
		return err
	}

	a.sess = session.New(session.Config{
		DeviceUID:     a.identity.DeviceID,
		TranscriptDir: a.cfg.TranscriptDir,
		KeepListening: a.cfg.KeepListening || a.cfg.ListenMode == "realtime",
	}, proto, devices, a.logger)
	if a.checker != nil {
		// A press while the device waits for pairing forces an immediate
		// re-check instead of waiting out the poll interval.
		a.sess.SetActivationHandler(func() {
			go a.checker.Check(ctx)
		})
	}
	a.sess.Run(ctx)

	if a.checker != nil {
		go a.watchBinding(ctx)
	}

	if a.cfg.IotDescriptors != "" {
		go a.announceIotDescriptors(ctx, proto)
	}

	if a.cfg.HTTPAddr != "" {
		router := httpapi.NewRouter(httpapi.Deps{
			Session:       a.sess,
			Checker:       a.checker,
			TranscriptDir: a.cfg.TranscriptDir,
			DeviceUID:     a.identity.DeviceID,
		}, a.logger)
		a.server = &http.Server{Addr: a.cfg.HTTPAddr, Handler: router}
		go func() {
			a.logger.Info("starting http server", zap.String("addr", a.cfg.HTTPAddr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// Shutdown executes the shutdown method.
func (a *App) Shutdown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server shutdown failed", zap.Error(err))
		}
	}
	if a.sess != nil {
		a.sess.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("settings store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// watchBinding mirrors binding status into the session so a revoked or
// re-validated endpoint moves the device in and out of the activating state.
func (a *App) watchBinding(ctx context.Context) {
	states, cancel := a.checker.States()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			switch state.Status {
			case binding.StatusNeedsBinding:
				a.logger.Info("activation required",
					zap.String("code", state.Code),
					zap.String("panel_url", state.PanelURL),
				)
				a.sess.BeginActivation()
			case binding.StatusBound:
				a.sess.EndActivation()
			}
		}
	}
}

// resolveEndpoint runs binding discovery when an OTA URL is configured and
// falls back to the statically configured endpoint otherwise.
func (a *App) resolveEndpoint(ctx context.Context) (binding.Endpoint, error) {
	static := binding.Endpoint{
		WebSocketURL: a.cfg.WebSocketURL,
		Token:        a.cfg.AccessToken,
	}
	if a.cfg.MQTT.Endpoint != "" {
		static.MQTT = &protocol.MQTTConfig{
			Endpoint:       a.cfg.MQTT.Endpoint,
			ClientID:       a.cfg.MQTT.ClientID,
			Username:       a.cfg.MQTT.Username,
			Password:       a.cfg.MQTT.Password,
			PublishTopic:   a.cfg.MQTT.PublishTopic,
			SubscribeTopic: a.cfg.MQTT.SubscribeTopic,
		}
		if static.MQTT.ClientID == "" {
			static.MQTT.ClientID = a.identity.ClientID
		}
		if static.MQTT.PublishTopic == "" {
			static.MQTT.PublishTopic = "devices/" + a.identity.DeviceID + "/out"
		}
		if static.MQTT.SubscribeTopic == "" {
			static.MQTT.SubscribeTopic = "devices/" + a.identity.DeviceID + "/in"
		}
	}

	if a.checker == nil {
		if static.WebSocketURL == "" && static.MQTT == nil {
			return binding.Endpoint{}, errors.New("no ota_url, websocket_url or mqtt endpoint configured")
		}
		return static, nil
	}

	state := a.checker.Start(ctx)
	switch state.Status {
	case binding.StatusBound:
		return state.Endpoint, nil
	case binding.StatusTimeout:
		a.logger.Warn("device binding timed out")
	default:
		a.logger.Warn("device binding failed", zap.String("status", state.Status.String()))
	}

	// Discovery failed; a statically configured endpoint still lets the
	// device come up.
	if static.WebSocketURL != "" || static.MQTT != nil {
		return static, nil
	}
	return binding.Endpoint{}, fmt.Errorf("device not bound: %s", state.Status)
}

func (a *App) buildProtocol(endpoint binding.Endpoint) (protocol.Protocol, error) {
	params := protocol.AudioParams{
		Format:        a.cfg.Audio.Format,
		SampleRate:    a.cfg.Audio.SampleRate,
		Channels:      a.cfg.Audio.Channels,
		FrameDuration: a.cfg.Audio.FrameDuration,
	}

	useMQTT := a.cfg.Transport == "mqtt" || endpoint.WebSocketURL == ""
	if useMQTT && endpoint.MQTT != nil {
		return protocol.NewMQTTProtocol(protocol.SplitConfig{
			MQTT:            *endpoint.MQTT,
			DeviceID:        a.identity.DeviceID,
			ClientID:        a.identity.ClientID,
			DeviceMAC:       a.identity.DeviceID,
			AccessToken:     endpoint.Token,
			ProtocolVersion: a.cfg.ProtocolVersion,
			AudioParams:     params,
		}, a.logger), nil
	}

	if endpoint.WebSocketURL == "" {
		return nil, errors.New("endpoint carries no websocket url")
	}
	return protocol.NewWebSocketProtocol(protocol.WebSocketConfig{
		URL:             endpoint.WebSocketURL,
		AccessToken:     endpoint.Token,
		DeviceID:        a.identity.DeviceID,
		ClientID:        a.identity.ClientID,
		DeviceMAC:       a.identity.DeviceID,
		ProtocolVersion: a.cfg.ProtocolVersion,
		AudioParams:     params,
	}, a.logger), nil
}

func (a *App) buildDevices() (session.Devices, error) {
	encoder, err := audio.NewOpusEncoder(a.cfg.Audio.SampleRate, a.cfg.Audio.Channels, a.cfg.Audio.FrameDuration)
	if err != nil {
		return session.Devices{}, fmt.Errorf("create opus encoder: %w", err)
	}
	var decoder audio.Decoder
	decoder, err = audio.NewOpusDecoder(a.cfg.Audio.SampleRate, a.cfg.Audio.Channels)
	if err != nil {
		_ = encoder.Close()
		return session.Devices{}, fmt.Errorf("create opus decoder: %w", err)
	}
	playbackRate := a.cfg.Audio.PlaybackSampleRate
	if playbackRate > 0 && playbackRate != a.cfg.Audio.SampleRate {
		decoder, err = audio.NewResamplingDecoder(decoder, a.cfg.Audio.SampleRate, playbackRate)
		if err != nil {
			_ = encoder.Close()
			return session.Devices{}, fmt.Errorf("create playback resampler: %w", err)
		}
	}
	return session.Devices{
		Encoder: encoder,
		Decoder: decoder,
		Capture: a.opts.Capture,
		Player:  a.opts.Player,
	}, nil
}

// announceIotDescriptors sends the device capability document every time the
// audio channel opens.
func (a *App) announceIotDescriptors(ctx context.Context, proto protocol.Protocol) {
	descriptors, err := appconfig.LoadIotDescriptors(a.cfg.IotDescriptors)
	if err != nil {
		a.logger.Warn("load iot descriptors failed", zap.Error(err))
		return
	}

	states, cancel := proto.Events().State.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state == protocol.ChannelOpened {
				protocol.SendIotDescriptors(proto, descriptors)
			}
		}
	}
}

// ShutdownTimeout is the grace period main gives Shutdown.
const ShutdownTimeout = 5 * time.Second
