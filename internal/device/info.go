// Package device builds and persists the device identity record sent to the
// discovery endpoint.
package device

import (
	"runtime"

	"github.com/google/uuid"

	"github.com/dourok/voicebot/internal/settings"
)

const (
	deviceIDKey   = "device.id"
	deviceUUIDKey = "device.uuid"
)

// Application describes the running firmware/application build.
type Application struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	CompileTime string `json:"compile_time,omitempty"`
}

// Board describes the hardware the client runs on.
type Board struct {
	Name     string   `json:"name"`
	Revision string   `json:"revision,omitempty"`
	Features []string `json:"features,omitempty"`
}

// Info is the JSON body posted to the discovery endpoint.
type Info struct {
	Version       int         `json:"version"`
	MACAddress    string      `json:"mac_address"`
	UUID          string      `json:"uuid"`
	ChipModelName string      `json:"chip_model_name"`
	Application   Application `json:"application"`
	Board         Board       `json:"board"`
}

// Identity is the stable pair of identifiers a device presents: the device id
// (a MAC-style address) and a per-install client uuid. Both are minted once
// and persisted.
type Identity struct {
	DeviceID string
	ClientID string
}

// ResolveIdentity loads the persisted identity, minting and storing missing
// parts. A configured device id wins over the stored one.
func ResolveIdentity(store *settings.Store, configuredDeviceID string) (Identity, error) {
	identity := Identity{DeviceID: configuredDeviceID}

	if identity.DeviceID == "" {
		stored, err := store.GetString(deviceIDKey)
		switch err {
		case nil:
			identity.DeviceID = stored
		case settings.ErrNotFound:
			identity.DeviceID = randomMAC()
			if err := store.SetString(deviceIDKey, identity.DeviceID); err != nil {
				return Identity{}, err
			}
		default:
			return Identity{}, err
		}
	}

	stored, err := store.GetString(deviceUUIDKey)
	switch err {
	case nil:
		identity.ClientID = stored
	case settings.ErrNotFound:
		identity.ClientID = uuid.NewString()
		if err := store.SetString(deviceUUIDKey, identity.ClientID); err != nil {
			return Identity{}, err
		}
	default:
		return Identity{}, err
	}

	return identity, nil
}

// NewInfo executes the newInfo function.
func NewInfo(identity Identity, appName string, appVersion string) Info {
	return Info{
		Version:       2,
		MACAddress:    identity.DeviceID,
		UUID:          identity.ClientID,
		ChipModelName: runtime.GOARCH,
		Application: Application{
			Name:    appName,
			Version: appVersion,
		},
		Board: Board{
			Name: runtime.GOOS,
		},
	}
}

// randomMAC mints a locally administered unicast MAC address.
func randomMAC() string {
	id := uuid.New()
	buf := id[:6]
	buf[0] = (buf[0] | 0x02) &^ 0x01
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, 17)
	for i, b := range buf {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexdigits[b>>4], hexdigits[b&0x0f])
	}
	return string(out)
}
