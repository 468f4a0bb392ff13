package audio

import (
	"fmt"
	"sync"

	godepsopus "github.com/godeps/opus"
)

const (
	opusOutputBufferSize   = 4000
	opusMaxFrameDurationMs = 120
)

// OpusEncoder represents a opusEncoder.
type OpusEncoder struct {
	mu        sync.Mutex
	encoder   *godepsopus.Encoder
	frameSize int
	channels  int
	outBuf    []byte
}

// NewOpusEncoder executes the newOpusEncoder function.
func NewOpusEncoder(sampleRate, channels, frameDurationMs int) (*OpusEncoder, error) {
	enc, err := godepsopus.NewEncoder(sampleRate, channels, godepsopus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{
		encoder:   enc,
		frameSize: sampleRate * frameDurationMs / 1000,
		channels:  channels,
		outBuf:    make([]byte, opusOutputBufferSize),
	}, nil
}

// Encode executes the encode method.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encoder == nil {
		return nil, fmt.Errorf("opus encoder is closed")
	}

	samples := BytesToInt16Slice(pcm)
	expected := e.frameSize * e.channels
	if len(samples) < expected {
		padded := make([]int16, expected)
		copy(padded, samples)
		samples = padded
	} else if len(samples) > expected {
		samples = samples[:expected]
	}

	n, err := e.encoder.Encode(samples, e.outBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	frame := make([]byte, n)
	copy(frame, e.outBuf[:n])
	return frame, nil
}

// FrameBytes executes the frameBytes method.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// Close executes the close method.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoder = nil
	e.outBuf = nil
	return nil
}

// OpusDecoder represents a opusDecoder.
type OpusDecoder struct {
	mu         sync.Mutex
	decoder    *godepsopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder executes the newOpusDecoder function.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := godepsopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{decoder: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode executes the decode method.
func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoder == nil {
		return nil, fmt.Errorf("opus decoder is closed")
	}

	maxSamples := d.sampleRate * opusMaxFrameDurationMs / 1000
	pcm := make([]int16, maxSamples*d.channels)
	decoded, err := d.decoder.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if decoded <= 0 {
		return nil, nil
	}
	return Int16SliceToBytes(pcm[:decoded*d.channels]), nil
}

// Close executes the close method.
func (d *OpusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoder = nil
	return nil
}
