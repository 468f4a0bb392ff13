package audio

// ResamplingDecoder wraps a Decoder and converts its output to the playback
// device rate. Mono only; the stream keeps filter state across frames.
type ResamplingDecoder struct {
	inner     Decoder
	resampler *StreamResampler
}

// NewResamplingDecoder executes the newResamplingDecoder function.
func NewResamplingDecoder(inner Decoder, inRate, outRate int) (*ResamplingDecoder, error) {
	resampler, err := NewStreamResampler(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return &ResamplingDecoder{inner: inner, resampler: resampler}, nil
}

// Decode executes the decode method.
func (d *ResamplingDecoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := d.inner.Decode(frame)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	if err := d.resampler.AppendPCM(BytesToInt16Slice(pcm)); err != nil {
		return nil, err
	}
	out := d.resampler.PopAvailable()
	if len(out) == 0 {
		return nil, nil
	}
	return Int16SliceToBytes(out), nil
}

// Close executes the close method.
func (d *ResamplingDecoder) Close() error {
	d.resampler.Close()
	return d.inner.Close()
}
