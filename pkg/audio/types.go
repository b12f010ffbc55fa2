// Package audio converts source audio of arbitrary rate, channel count, bit
// depth and codec into canonical frames: mono, 16-bit signed PCM at a
// configurable sample rate and fixed frame duration.
//
// Finite sources (files) are exposed as lazy [iter.Seq2] sequences, live
// sources are fed incrementally through a [Pipeline]. Both produce frames with
// strictly increasing sequence numbers; only the terminal frame of a finite
// source may be partial.
//
// This package lives under pkg/ because backend adapters implemented outside
// this module exchange [Frame] values with the session layer.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Defaults for the canonical format.
const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 20 * time.Millisecond

	// MaxChannels is the widest interleaved layout the downmixer accepts.
	MaxChannels = 8
)

// Frame is a single chunk of canonical audio: mono, 16-bit signed samples.
type Frame struct {
	// Samples holds mono PCM samples.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Seq increases strictly within one directional stream.
	Seq uint64

	// Timestamp is the offset of the first sample from the start of the stream.
	Timestamp time.Duration

	// Partial marks the terminal frame of a finite source that was padded or
	// truncated to fit the frame grid.
	Partial bool
}

// Duration reports the playback time covered by the frame's samples.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// PCM returns the frame's samples as little-endian bytes.
func (f Frame) PCM() []byte {
	return SamplesToPCM(f.Samples)
}

// Format describes the sample rate and channel count of an interleaved stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports an [*UnsupportedFormatError] when the format cannot be
// converted.
func (f Format) Validate(source string) error {
	if f.SampleRate <= 0 {
		return &UnsupportedFormatError{Source: source, Reason: fmt.Sprintf("sample rate %d", f.SampleRate)}
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return &UnsupportedFormatError{Source: source, Reason: fmt.Sprintf("channel layout with %d channels", f.Channels)}
	}
	return nil
}

// TailPolicy decides how the final, incomplete frame of a finite source is
// emitted.
type TailPolicy int

const (
	// TailPad zero-pads the final frame to the full frame size.
	TailPad TailPolicy = iota

	// TailTruncate emits the final frame with only the remaining samples.
	TailTruncate
)

// String returns the configuration name of the policy.
func (p TailPolicy) String() string {
	switch p {
	case TailPad:
		return "pad"
	case TailTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("TailPolicy(%d)", int(p))
	}
}

// ParseTailPolicy maps "pad" (or "") and "truncate" to a policy.
func ParseTailPolicy(s string) (TailPolicy, error) {
	switch s {
	case "", "pad":
		return TailPad, nil
	case "truncate":
		return TailTruncate, nil
	default:
		return 0, fmt.Errorf("audio: unknown tail policy %q", s)
	}
}

// Target is the canonical output format of a conversion.
type Target struct {
	SampleRate    int
	FrameDuration time.Duration
	Tail          TailPolicy
}

// FrameSamples returns the number of samples in one full frame.
func (t Target) FrameSamples() int {
	return int(int64(t.SampleRate) * int64(t.FrameDuration) / int64(time.Second))
}

func (t Target) validate() error {
	if t.SampleRate <= 0 {
		return fmt.Errorf("audio: target sample rate must be positive, got %d", t.SampleRate)
	}
	if t.FrameSamples() < 1 {
		return fmt.Errorf("audio: frame duration %s is shorter than one sample at %d Hz", t.FrameDuration, t.SampleRate)
	}
	return nil
}

// SamplesDuration converts a mono sample count to playback time.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// SamplesToPCM encodes samples as little-endian 16-bit PCM.
func SamplesToPCM(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// PCMToSamples decodes little-endian 16-bit PCM. An odd byte count is a
// [*DecodeError].
func PCMToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Source: "l16", Err: fmt.Errorf("odd byte count %d", len(pcm))}
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
