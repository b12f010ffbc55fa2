// Package opus provides the OPUS wire codec for the audio pipeline on top of
// layeh.com/gopus.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/switchyard/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Codec = (*Codec)(nil)

// maxFrameMs is the longest Opus packet duration.
const maxFrameMs = 120

// Codec encodes and decodes Opus packets for one stream. Decoder and encoder
// state carries across packets, so create one per direction.
type Codec struct {
	rate     int
	channels int
	dec      *gopus.Decoder
	enc      *gopus.Encoder
}

// New creates an Opus codec. rate must be one of 8000, 12000, 16000, 24000
// or 48000 Hz.
func New(rate, channels int) (*Codec, error) {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, &audio.UnsupportedFormatError{Source: "opus", Reason: fmt.Sprintf("sample rate %d", rate)}
	}
	if channels != 1 && channels != 2 {
		return nil, &audio.UnsupportedFormatError{Source: "opus", Reason: fmt.Sprintf("%d channels", channels)}
	}
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(rate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Codec{rate: rate, channels: channels, dec: dec, enc: enc}, nil
}

// Name returns the wire codec name.
func (c *Codec) Name() string { return audio.CodecOpus }

// Decode decodes one Opus packet into interleaved samples.
func (c *Codec) Decode(payload []byte) ([]int16, error) {
	pcm, err := c.dec.Decode(payload, c.rate*maxFrameMs/1000, false)
	if err != nil {
		return nil, &audio.DecodeError{Source: "opus", Err: err}
	}
	return pcm, nil
}

// Encode encodes exactly one Opus frame of interleaved samples. The frame
// must cover 2.5, 5, 10, 20, 40 or 60 ms.
func (c *Codec) Encode(samples []int16) ([]byte, error) {
	perChannel := len(samples) / c.channels
	if !validFrame(perChannel, c.rate) {
		return nil, fmt.Errorf("opus: invalid frame of %d samples at %d Hz", perChannel, c.rate)
	}
	packet, err := c.enc.Encode(samples, perChannel, len(samples)*2)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

func validFrame(samples, rate int) bool {
	// Multiply by 2 to keep 2.5 ms integral.
	for _, ms2 := range []int{5, 10, 20, 40, 80, 120} {
		if samples == rate*ms2/2000 {
			return true
		}
	}
	return false
}
