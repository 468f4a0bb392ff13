package protocol

import (
	"encoding/json"
	"fmt"
)

// AudioParams describes one direction of the audio stream as negotiated in
// the hello exchange.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

func normalizeAudioParams(params AudioParams) AudioParams {
	if params.Format == "" {
		params.Format = "opus"
	}
	if params.SampleRate <= 0 {
		params.SampleRate = 16000
	}
	if params.Channels <= 0 {
		params.Channels = 1
	}
	if params.FrameDuration <= 0 {
		params.FrameDuration = 60
	}
	return params
}

// ControlMessage is one inbound control-plane message. The envelope fields
// cover the common cases; Raw keeps the full payload so consumers can pull
// type-specific fields the envelope does not model.
type ControlMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Text      string          `json:"text"`
	Emotion   string          `json:"emotion"`
	Raw       json.RawMessage `json:"-"`
}

func parseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("parse control message: %w", err)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// UDPConfig is the datagram endpoint block of a split-transport hello reply.
// Key and Nonce are hex encoded.
type UDPConfig struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
	Key    string `json:"key"`
	Nonce  string `json:"nonce"`
}

type serverHello struct {
	Type        string       `json:"type"`
	Transport   string       `json:"transport"`
	SessionID   string       `json:"session_id"`
	AudioParams *AudioParams `json:"audio_params"`
	UDP         *UDPConfig   `json:"udp"`
}

func parseServerHello(data []byte) (serverHello, error) {
	var hello serverHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return serverHello{}, fmt.Errorf("parse hello reply: %w", err)
	}
	return hello, nil
}

func buildHello(transport string, version int, deviceID string, deviceMAC string, token string, params AudioParams) string {
	payload := map[string]any{
		"type":      "hello",
		"version":   version,
		"transport": transport,
		"device_id": deviceID,
		"audio_params": map[string]any{
			"format":         params.Format,
			"sample_rate":    params.SampleRate,
			"channels":       params.Channels,
			"frame_duration": params.FrameDuration,
		},
	}
	if deviceMAC != "" {
		payload["device_mac"] = deviceMAC
	}
	if token != "" {
		payload["token"] = token
	}
	return encodeControl(payload)
}

func encodeControl(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(data)
}
