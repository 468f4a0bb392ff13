package device

import (
	"strings"
	"testing"

	"github.com/dourok/voicebot/internal/settings"
)

func newTestStore(t *testing.T) *settings.Store {
	t.Helper()
	store, err := settings.Open(settings.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestResolveIdentityIsStable(t *testing.T) {
	store := newTestStore(t)

	first, err := ResolveIdentity(store, "")
	if err != nil {
		t.Fatalf("ResolveIdentity returned error: %v", err)
	}
	if first.DeviceID == "" || first.ClientID == "" {
		t.Fatalf("identity incomplete: %+v", first)
	}

	second, err := ResolveIdentity(store, "")
	if err != nil {
		t.Fatalf("second ResolveIdentity returned error: %v", err)
	}
	if second != first {
		t.Fatalf("identity changed across calls: %+v vs %+v", second, first)
	}
}

func TestResolveIdentityConfiguredDeviceIDWins(t *testing.T) {
	store := newTestStore(t)

	identity, err := ResolveIdentity(store, "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("ResolveIdentity returned error: %v", err)
	}
	if identity.DeviceID != "11:22:33:44:55:66" {
		t.Fatalf("device id=%q, want configured value", identity.DeviceID)
	}
}

func TestRandomMACShape(t *testing.T) {
	mac := randomMAC()
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		t.Fatalf("mac=%q, want 6 octets", mac)
	}
	for _, part := range parts {
		if len(part) != 2 {
			t.Fatalf("octet %q in %q, want 2 hex digits", part, mac)
		}
	}
}

func TestNewInfoFillsIdentity(t *testing.T) {
	info := NewInfo(Identity{DeviceID: "aa:bb", ClientID: "u1"}, "voicebot", "1.0.0")
	if info.MACAddress != "aa:bb" || info.UUID != "u1" {
		t.Fatalf("info identity=%+v, want aa:bb/u1", info)
	}
	if info.Application.Name != "voicebot" {
		t.Fatalf("application name=%q, want voicebot", info.Application.Name)
	}
}
