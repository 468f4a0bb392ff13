package binding

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dourok/voicebot/internal/device"
	"github.com/dourok/voicebot/internal/settings"
)

func newTestChecker(t *testing.T, url string, store *settings.Store) *Checker {
	t.Helper()
	return NewChecker(Config{
		DiscoveryURL:    url,
		Identity:        device.Identity{DeviceID: "aa:bb:cc:dd:ee:ff", ClientID: "client-1"},
		Info:            device.NewInfo(device.Identity{DeviceID: "aa:bb:cc:dd:ee:ff", ClientID: "client-1"}, "voicebot", "1.0.0"),
		RetryAttempts:   3,
		RetryDelay:      10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		PollMaxAttempts: 5,
	}, store, nil)
}

func TestCheckClassifiesActivationReply(t *testing.T) {
	polls := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Device-Id"); got != "aa:bb:cc:dd:ee:ff" {
			t.Errorf("Device-Id header=%q", got)
		}
		if got := r.Header.Get("Client-Id"); got != "client-1" {
			t.Errorf("Client-Id header=%q", got)
		}
		var info device.Info
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
			t.Errorf("request body is not device info: %v", err)
		}
		atomic.AddInt32(&polls, 1)
		w.Write([]byte(`{"activation":{"code":"010215","message":"visit panel"}}`))
	}))
	defer server.Close()

	checker := newTestChecker(t, server.URL, nil)
	state := checker.Check(t.Context())

	if state.Status != StatusTimeout {
		t.Fatalf("terminal status=%v, want timeout after poll exhaustion", state.Status)
	}
	// The needs-binding snapshot stays observable while polling runs.
	if atomic.LoadInt32(&polls) < 2 {
		t.Fatalf("polls=%d, want repeated discovery calls", polls)
	}
}

func TestCheckNeedsBindingCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"activation":{"code":"010215","message":"visit panel"}}`))
	}))
	defer server.Close()

	checker := newTestChecker(t, server.URL, nil)
	states, cancel := checker.States()
	defer cancel()

	go checker.Check(t.Context())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state.Status != StatusNeedsBinding {
				continue
			}
			if state.Code != "010215" {
				t.Fatalf("activation code=%q, want 010215", state.Code)
			}
			if state.PanelURL != "visit panel" {
				t.Fatalf("panel url=%q", state.PanelURL)
			}
			return
		case <-deadline:
			t.Fatal("needs-binding state never published")
		}
	}
}

func TestCheckClassifiesBoundReplyAndCaches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"websocket":{"url":"wss://x/y","token":"t1"}}`))
	}))
	defer server.Close()

	store, err := settings.Open(settings.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	checker := newTestChecker(t, server.URL, store)
	state := checker.Check(t.Context())

	if state.Status != StatusBound {
		t.Fatalf("status=%v, want bound", state.Status)
	}
	if state.Endpoint.WebSocketURL != "wss://x/y" {
		t.Fatalf("endpoint=%q, want wss://x/y", state.Endpoint.WebSocketURL)
	}
	if state.Endpoint.Token != "t1" {
		t.Fatalf("token=%q, want t1", state.Endpoint.Token)
	}

	var cached Endpoint
	if err := store.GetJSON("binding.endpoint", &cached); err != nil {
		t.Fatalf("cached endpoint missing: %v", err)
	}
	if cached.WebSocketURL != "wss://x/y" {
		t.Fatalf("cached endpoint=%q, want wss://x/y", cached.WebSocketURL)
	}
}

func TestCheckFormatErrorDoesNotRetry(t *testing.T) {
	calls := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"unexpected":true}`))
	}))
	defer server.Close()

	checker := newTestChecker(t, server.URL, nil)
	state := checker.Check(t.Context())

	if state.Status != StatusError {
		t.Fatalf("status=%v, want error", state.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("discovery calls=%d, want 1 for a format error", got)
	}
}

func TestCheckRetriesTransportErrors(t *testing.T) {
	calls := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	checker := newTestChecker(t, server.URL, nil)
	state := checker.Check(t.Context())

	if state.Status != StatusError {
		t.Fatalf("status=%v, want error after retries", state.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("discovery calls=%d, want 3 retry attempts", got)
	}
}

func TestPollEndsOnBound(t *testing.T) {
	calls := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Write([]byte(`{"activation":{"code":"111111"}}`))
			return
		}
		w.Write([]byte(`{"websocket":{"url":"wss://ready"}}`))
	}))
	defer server.Close()

	checker := newTestChecker(t, server.URL, nil)
	state := checker.Check(t.Context())

	if state.Status != StatusBound {
		t.Fatalf("status=%v, want bound mid-poll", state.Status)
	}
	if state.Endpoint.WebSocketURL != "wss://ready" {
		t.Fatalf("endpoint=%q, want wss://ready", state.Endpoint.WebSocketURL)
	}
}

func TestStartTrustsCachedEndpoint(t *testing.T) {
	hit := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.Write([]byte(`{"websocket":{"url":"wss://fresh"}}`))
	}))
	defer server.Close()

	store, err := settings.Open(settings.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.SetJSON("binding.endpoint", Endpoint{WebSocketURL: "wss://cached"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	checker := newTestChecker(t, server.URL, store)
	state := checker.Start(t.Context())

	if state.Status != StatusBound {
		t.Fatalf("status=%v, want bound from cache", state.Status)
	}
	if state.Endpoint.WebSocketURL != "wss://cached" {
		t.Fatalf("endpoint=%q, want cached value", state.Endpoint.WebSocketURL)
	}

	// Background re-validation still reaches the server and refreshes the cache.
	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("background re-validation never ran")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var cached Endpoint
		if err := store.GetJSON("binding.endpoint", &cached); err == nil && cached.WebSocketURL == "wss://fresh" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cache never refreshed by background re-validation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
