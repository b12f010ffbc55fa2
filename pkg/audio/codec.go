package audio

import (
	"fmt"
	"strings"
)

// Codec converts between wire payloads and 16-bit samples. Implementations
// may keep per-stream state; create one per direction of one stream.
type Codec interface {
	Name() string
	Decode(payload []byte) ([]int16, error)
	Encode(samples []int16) ([]byte, error)
}

// Wire codec names.
const (
	CodecL16  = "L16"
	CodecPCMU = "PCMU"
	CodecPCMA = "PCMA"
	CodecOpus = "OPUS"
)

// NewCodec returns a stateless codec by name. Opus is provided by the
// audio/opus package.
func NewCodec(name string) (Codec, error) {
	switch strings.ToUpper(name) {
	case "", CodecL16, "LINEAR16", "PCM":
		return l16{}, nil
	case CodecPCMU, "MULAW", "ULAW":
		return pcmu{}, nil
	case CodecPCMA, "ALAW":
		return pcma{}, nil
	default:
		return nil, &UnsupportedFormatError{Source: "codec", Reason: fmt.Sprintf("codec %q", name)}
	}
}

type l16 struct{}

func (l16) Name() string                           { return CodecL16 }
func (l16) Decode(payload []byte) ([]int16, error) { return PCMToSamples(payload) }
func (l16) Encode(samples []int16) ([]byte, error) { return SamplesToPCM(samples), nil }

type pcmu struct{}

func (pcmu) Name() string { return CodecPCMU }

func (pcmu) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = MuLawToLinear(b)
	}
	return out, nil
}

func (pcmu) Encode(samples []int16) ([]byte, error) {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToMuLaw(s)
	}
	return out, nil
}

type pcma struct{}

func (pcma) Name() string { return CodecPCMA }

func (pcma) Decode(payload []byte) ([]int16, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = ALawToLinear(b)
	}
	return out, nil
}

func (pcma) Encode(samples []int16) ([]byte, error) {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToALaw(s)
	}
	return out, nil
}

// ── G.711 ────────────────────────────────────────────────────────────────

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// LinearToMuLaw encodes one sample with G.711 μ-law.
func LinearToMuLaw(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// MuLawToLinear decodes one G.711 μ-law byte.
func MuLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := int32(b & 0x0F)
	v := ((mant << 3) + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// LinearToALaw encodes one sample with G.711 A-law.
func LinearToALaw(s int16) byte {
	v := int32(s) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := 0
	for end := int32(0x1F); seg < 8 && v > end; end = end<<1 | 1 {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

// ALawToLinear decodes one G.711 A-law byte.
func ALawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := int32(b & 0x0F)
	var v int32
	if exp == 0 {
		v = mant<<4 + 8
	} else {
		v = (mant<<4 + 0x108) << (exp - 1)
	}
	if sign == 0 {
		return int16(-v)
	}
	return int16(v)
}
