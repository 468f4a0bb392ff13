// Package audio defines the codec and device interfaces the session layer
// drives, plus thin opus and resampler adapters. Codec internals stay behind
// these interfaces.
package audio

import "context"

// Encoder turns one raw PCM frame into one encoded frame.
type Encoder interface {
	// Encode consumes exactly one frame of little-endian PCM16 bytes.
	// Short input is zero padded, excess is truncated.
	Encode(pcm []byte) ([]byte, error)
	// FrameBytes returns the PCM byte count of one frame.
	FrameBytes() int
	Close() error
}

// Decoder turns one encoded frame back into little-endian PCM16 bytes.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
	Close() error
}

// CaptureSource yields raw PCM buffers from the microphone.
type CaptureSource interface {
	// Read blocks until one PCM buffer is available or ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// PlaybackSink accepts PCM buffers and exposes enough position state to
// detect that playback has drained.
type PlaybackSink interface {
	Play(pcm []byte) error
	// Position returns the cumulative count of played samples.
	Position() int64
	// WaitForDrain blocks until the playback position is stable or ctx is
	// cancelled.
	WaitForDrain(ctx context.Context) error
	Close() error
}
