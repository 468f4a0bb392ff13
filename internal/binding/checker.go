package binding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dourok/voicebot/internal/device"
	"github.com/dourok/voicebot/internal/protocol"
	"github.com/dourok/voicebot/internal/settings"
)

const cachedEndpointKey = "binding.endpoint"

// Config represents a config.
type Config struct {
	DiscoveryURL string
	Identity     device.Identity
	Info         device.Info

	HTTPClient *http.Client

	// RetryAttempts and RetryDelay govern transport-error retries of one
	// discovery call.
	RetryAttempts int
	RetryDelay    time.Duration
	// PollInterval and PollMaxAttempts bound the needs-binding poll loop.
	PollInterval    time.Duration
	PollMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 30
	}
	return c
}

// Checker drives the discovery state machine. States are published on a
// broadcast stream; the latest snapshot is also available via Current.
type Checker struct {
	cfg    Config
	store  *settings.Store
	logger *zap.Logger
	states *protocol.Broadcaster[State]

	mu         sync.Mutex
	current    State
	firmware   *Firmware
	serverTime *ServerTime
}

// NewChecker executes the newChecker function.
func NewChecker(cfg Config, store *settings.Store, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: logger,
		states: protocol.NewBroadcaster[State](8),
	}
}

// Current returns the latest state snapshot.
func (c *Checker) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// States subscribes to state transitions.
func (c *Checker) States() (<-chan State, func()) {
	return c.states.Subscribe()
}

// Firmware returns the firmware block of the last discovery reply, if any.
func (c *Checker) Firmware() *Firmware {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// ServerTime returns the clock block of the last discovery reply, if any.
func (c *Checker) ServerTime() *ServerTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTime
}

// Start resolves the binding state for this boot. A cached endpoint is
// trusted immediately and re-validated in the background; without one the
// check runs in the foreground and its terminal state is returned.
func (c *Checker) Start(ctx context.Context) State {
	if cached, ok := c.loadCachedEndpoint(); ok {
		c.logger.Info("using cached binding endpoint",
			zap.String("websocket_url", cached.WebSocketURL),
			zap.Bool("mqtt", cached.MQTT != nil),
		)
		state := State{Status: StatusBound, Endpoint: cached}
		c.publish(state)
		go func() {
			revalidated := c.Check(ctx)
			if revalidated.Status != StatusBound {
				c.logger.Warn("cached endpoint failed re-validation",
					zap.String("status", revalidated.Status.String()),
				)
			}
		}()
		return state
	}
	return c.Check(ctx)
}

// Check runs one full pass of the state machine: discovery with transport
// retries, classification and, after a needs-binding reply, the poll loop.
// The returned state is terminal for this pass.
func (c *Checker) Check(ctx context.Context) State {
	c.publish(State{Status: StatusChecking})

	state, err := c.discoverWithRetry(ctx)
	if err != nil {
		terminal := State{Status: StatusError, Message: err.Error()}
		c.publish(terminal)
		return terminal
	}
	c.publish(state)

	if state.Status == StatusNeedsBinding {
		state = c.poll(ctx)
		c.publish(state)
	}
	return state
}

func (c *Checker) discoverWithRetry(ctx context.Context) (State, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		state, err := c.discoverOnce(ctx)
		if err == nil {
			return state, nil
		}
		var formatErr *formatError
		if errors.As(err, &formatErr) {
			// Malformed replies are terminal, only transport errors retry.
			return State{}, err
		}
		lastErr = err
		c.logger.Warn("discovery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.RetryAttempts),
			zap.Error(err),
		)
		if attempt < c.cfg.RetryAttempts {
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return State{}, ctx.Err()
			}
		}
	}
	return State{}, fmt.Errorf("discovery failed after %d attempts: %w", c.cfg.RetryAttempts, lastErr)
}

// poll re-runs discovery until the device is bound or the attempt budget is
// spent. A refreshed activation code is published in place.
func (c *Checker) poll(ctx context.Context) State {
	for attempt := 1; attempt <= c.cfg.PollMaxAttempts; attempt++ {
		if !sleepCtx(ctx, c.cfg.PollInterval) {
			return State{Status: StatusError, Message: ctx.Err().Error()}
		}
		state, err := c.discoverOnce(ctx)
		if err != nil {
			c.logger.Warn("binding poll attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		switch state.Status {
		case StatusBound:
			c.logger.Info("device bound", zap.Int("poll_attempts", attempt))
			return state
		case StatusNeedsBinding:
			if state.Code != c.Current().Code {
				c.logger.Info("activation code refreshed", zap.String("code", state.Code))
			}
			c.publish(state)
		}
	}
	c.logger.Warn("binding poll exhausted", zap.Int("max_attempts", c.cfg.PollMaxAttempts))
	return State{Status: StatusTimeout}
}

// formatError marks replies the classifier cannot use. These never retry.
type formatError struct {
	msg string
}

func (e *formatError) Error() string {
	return e.msg
}

func (c *Checker) discoverOnce(ctx context.Context) (State, error) {
	body, err := json.Marshal(c.cfg.Info)
	if err != nil {
		return State{}, fmt.Errorf("encode device info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DiscoveryURL, bytes.NewReader(body))
	if err != nil {
		return State{}, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Device-Id", c.cfg.Identity.DeviceID)
	req.Header.Set("Client-Id", c.cfg.Identity.ClientID)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("discovery request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return State{}, fmt.Errorf("read discovery reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return State{}, fmt.Errorf("discovery status %d", resp.StatusCode)
	}

	var reply discoveryResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return State{}, &formatError{msg: fmt.Sprintf("malformed discovery reply: %v", err)}
	}
	return c.classify(reply)
}

func (c *Checker) classify(reply discoveryResponse) (State, error) {
	c.mu.Lock()
	c.firmware = reply.Firmware
	c.serverTime = reply.ServerTime
	c.mu.Unlock()

	switch {
	case reply.Activation != nil:
		if reply.Activation.Code == "" {
			return State{}, &formatError{msg: "activation reply without code"}
		}
		return State{
			Status:   StatusNeedsBinding,
			Code:     reply.Activation.Code,
			PanelURL: reply.Activation.Message,
		}, nil
	case reply.WebSocket != nil && reply.WebSocket.URL != "":
		endpoint := Endpoint{
			WebSocketURL: reply.WebSocket.URL,
			Token:        reply.WebSocket.Token,
			MQTT:         mqttConfigFromBlock(reply.MQTT),
		}
		c.cacheEndpoint(endpoint)
		return State{Status: StatusBound, Endpoint: endpoint}, nil
	case reply.MQTT != nil && reply.MQTT.Endpoint != "":
		endpoint := Endpoint{MQTT: mqttConfigFromBlock(reply.MQTT)}
		c.cacheEndpoint(endpoint)
		return State{Status: StatusBound, Endpoint: endpoint}, nil
	default:
		return State{}, &formatError{msg: "discovery reply carries neither activation nor endpoint"}
	}
}

func mqttConfigFromBlock(block *mqttBlock) *protocol.MQTTConfig {
	if block == nil {
		return nil
	}
	return &protocol.MQTTConfig{
		Endpoint:       block.Endpoint,
		ClientID:       block.ClientID,
		Username:       block.Username,
		Password:       block.Password,
		PublishTopic:   block.PublishTopic,
		SubscribeTopic: block.SubscribeTopic,
	}
}

func (c *Checker) publish(state State) {
	c.mu.Lock()
	c.current = state
	c.mu.Unlock()
	c.states.Publish(state)
}

func (c *Checker) cacheEndpoint(endpoint Endpoint) {
	if c.store == nil {
		return
	}
	if err := c.store.SetJSON(cachedEndpointKey, endpoint); err != nil {
		c.logger.Warn("cache binding endpoint failed", zap.Error(err))
	}
}

func (c *Checker) loadCachedEndpoint() (Endpoint, bool) {
	if c.store == nil {
		return Endpoint{}, false
	}
	var endpoint Endpoint
	if err := c.store.GetJSON(cachedEndpointKey, &endpoint); err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			c.logger.Warn("load cached endpoint failed", zap.Error(err))
		}
		return Endpoint{}, false
	}
	if endpoint.WebSocketURL == "" && endpoint.MQTT == nil {
		return Endpoint{}, false
	}
	return endpoint, true
}

// sleepCtx waits for d unless ctx ends first. Reports whether the full delay
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
