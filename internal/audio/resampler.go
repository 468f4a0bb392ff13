package audio

import (
	"errors"

	resampler "github.com/godeps/go-audio-soxr"
)

// StreamResampler keeps resampling state across frames. The playback path
// uses it when the server's negotiated sample rate differs from the output
// device rate.
type StreamResampler struct {
	inRate  int
	outRate int
	engine  *resampler.SimpleResamplerFloat32
	outBuf  []float32
}

// NewStreamResampler creates a streaming resampler for continuous audio.
func NewStreamResampler(inRate, outRate int) (*StreamResampler, error) {
	engine, err := resampler.NewEngineFloat32(float64(inRate), float64(outRate), resampler.QualityHigh)
	if err != nil {
		return nil, err
	}
	return &StreamResampler{inRate: inRate, outRate: outRate, engine: engine}, nil
}

// AppendPCM appends PCM16 samples for resampling.
func (s *StreamResampler) AppendPCM(pcm []int16) error {
	if s == nil || s.engine == nil {
		return errors.New("resampler is closed")
	}
	if len(pcm) == 0 {
		return nil
	}
	input := Int16SliceToFloat32Into(nil, pcm)
	out, err := s.engine.Process(input)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		s.outBuf = append(s.outBuf, out...)
	}
	return nil
}

// Flush flushes any remaining buffered samples out of the engine.
func (s *StreamResampler) Flush() error {
	if s == nil || s.engine == nil {
		return nil
	}
	out, err := s.engine.Flush()
	if err != nil {
		return err
	}
	if len(out) > 0 {
		s.outBuf = append(s.outBuf, out...)
	}
	return nil
}

// PopFrame returns a fixed-size PCM16 frame if enough samples are buffered.
func (s *StreamResampler) PopFrame(frameSize int) ([]int16, bool) {
	if s == nil || frameSize <= 0 || len(s.outBuf) < frameSize {
		return nil, false
	}
	frame := Float32SliceToInt16SliceInto(nil, s.outBuf[:frameSize])
	s.outBuf = s.outBuf[frameSize:]
	return frame, true
}

// PopRemainderPadded returns the remaining samples padded to frameSize.
func (s *StreamResampler) PopRemainderPadded(frameSize int) []int16 {
	if s == nil || frameSize <= 0 || len(s.outBuf) == 0 {
		return nil
	}
	if len(s.outBuf) > frameSize {
		s.outBuf = s.outBuf[:frameSize]
	}
	frame := make([]int16, frameSize)
	Float32SliceToInt16SliceInto(frame[:len(s.outBuf)], s.outBuf)
	s.outBuf = nil
	return frame
}

// PopAvailable drains everything buffered so far, regardless of size.
func (s *StreamResampler) PopAvailable() []int16 {
	if s == nil || len(s.outBuf) == 0 {
		return nil
	}
	out := Float32SliceToInt16SliceInto(nil, s.outBuf)
	s.outBuf = s.outBuf[:0]
	return out
}

// Close releases the underlying engine.
func (s *StreamResampler) Close() {
	if s == nil {
		return
	}
	if s.engine != nil {
		s.engine.Reset()
		s.engine = nil
	}
	s.outBuf = nil
}
