package modality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/switchyard/pkg/audio"
)

// Role identifies the speaker of a [TextEvent].
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// TextEvent is a unit of conversation text.
type TextEvent struct {
	Role      Role
	Content   string
	Timestamp time.Time

	// Final is false for interim hypotheses that later events supersede.
	Final bool
}

// Event is an out-of-band signal delivered in order with caller audio, such
// as a DTMF digit.
type Event struct {
	// Kind names the event, e.g. "dtmf".
	Kind string

	// Value carries the event payload, e.g. the digit.
	Value string

	// Duration is the signal length when known.
	Duration time.Duration
}

// OutputKind discriminates [Output] values.
type OutputKind int

const (
	// OutputAudio carries a synthesized audio frame.
	OutputAudio OutputKind = iota

	// OutputText carries a transcript or dialog response.
	OutputText

	// OutputClear asks the transport to discard queued playback, typically
	// because the caller started speaking.
	OutputClear

	// OutputCompleted marks the end of one response.
	OutputCompleted

	// OutputUsage reports billable consumption.
	OutputUsage
)

func (k OutputKind) String() string {
	switch k {
	case OutputAudio:
		return "audio"
	case OutputText:
		return "text"
	case OutputClear:
		return "clear"
	case OutputCompleted:
		return "completed"
	case OutputUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// UsageRecord is one billable quantity, e.g. {"input_tokens", 120, 0} or
// {"audio_in", 0, 3s}. Records with the same name are summed.
type UsageRecord struct {
	Name     string
	Count    int64
	Duration time.Duration
}

// Output is one item from an instance's output stream. Exactly the field
// matching Kind is set.
type Output struct {
	Kind  OutputKind
	Audio audio.Frame
	Text  TextEvent
	Usage []UsageRecord
}

// AudioOutput wraps a frame.
func AudioOutput(f audio.Frame) Output { return Output{Kind: OutputAudio, Audio: f} }

// TextOutput wraps a text event.
func TextOutput(ev TextEvent) Output { return Output{Kind: OutputText, Text: ev} }

// Config is the per-session configuration handed to [Backend.Start].
type Config struct {
	// SessionID identifies the owning session in logs.
	SessionID string

	// Modalities is the subset of the backend's capabilities the session
	// uses.
	Modalities Set

	// SampleRate is the canonical rate of audio exchanged in both directions.
	SampleRate int

	// FrameDuration is the canonical frame length for emitted audio.
	FrameDuration time.Duration

	// Params carries per-session backend parameters from the caller, such
	// as a voice or language override.
	Params map[string]any

	// Metadata carries opaque call metadata.
	Metadata map[string]string
}

// Backend creates instances of one speech or language service.
//
// Implementations must be safe for concurrent use; Start is called once per
// session.
type Backend interface {
	// Name returns the registry identifier of the backend.
	Name() string

	// Capabilities reports the backend's static capabilities.
	Capabilities() Capabilities

	// Start opens a session with the service. cfg has already been validated
	// against Capabilities when called through [Start]. The context bounds
	// only the connection setup; the instance lives until Stop.
	Start(ctx context.Context, cfg Config) (Instance, error)
}

// Instance is one running backend session.
//
// PushAudio and PushText may block to apply backpressure; they must return
// promptly once ctx is cancelled. Pushes are issued from one goroutine at a
// time. Outputs is consumed from a single goroutine.
type Instance interface {
	// PushAudio delivers a caller audio frame. Returns [ErrNotSupported] when
	// the instance was started without [AudioIn], [ErrSessionClosed] after
	// Stop, or a [*BackendIOError] when the service cannot accept it.
	PushAudio(ctx context.Context, f audio.Frame) error

	// PushText delivers caller text with the same error contract as
	// PushAudio.
	PushText(ctx context.Context, ev TextEvent) error

	// Outputs returns the ordered output stream. The channel is closed when
	// the instance ends, after Stop has drained in-flight results or after
	// an unrecoverable failure.
	Outputs() <-chan Output

	// Err returns the failure that ended the output stream, or nil after a
	// clean stop. Only meaningful once Outputs is closed.
	Err() error

	// Stop stops accepting input, lets in-flight results drain to Outputs and
	// releases service resources. The context bounds the drain; when it
	// expires, resources are released immediately. Calling Stop more than
	// once is safe and returns nil.
	Stop(ctx context.Context) error
}

// EventSink is implemented by instances that accept out-of-band events.
type EventSink interface {
	PushEvent(ctx context.Context, ev Event) error
}

// Validate checks cfg against the backend's capabilities.
func Validate(b Backend, cfg Config) error {
	caps := b.Capabilities()
	if cfg.Modalities.Empty() {
		return &ConfigurationError{Backend: b.Name(), Reason: "no modalities requested"}
	}
	if missing := cfg.Modalities.Missing(caps.Modalities); !missing.Empty() {
		return &ConfigurationError{
			Backend: b.Name(),
			Reason:  fmt.Sprintf("unsupported modalities %s, backend offers %s", missing, caps.Modalities),
		}
	}
	if cfg.SampleRate <= 0 {
		return &ConfigurationError{Backend: b.Name(), Reason: "sample rate must be positive"}
	}
	if !caps.SupportsRate(cfg.SampleRate) {
		return &ConfigurationError{
			Backend: b.Name(),
			Reason:  fmt.Sprintf("unsupported sample rate %d, backend accepts %v", cfg.SampleRate, caps.SampleRates),
		}
	}
	return nil
}

// Start validates cfg and starts the backend. Failures other than
// configuration errors are wrapped in a [*BackendIOError].
func Start(ctx context.Context, b Backend, cfg Config) (Instance, error) {
	if err := Validate(b, cfg); err != nil {
		return nil, err
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	inst, err := b.Start(ctx, cfg)
	if err != nil {
		var ce *ConfigurationError
		var be *BackendIOError
		if errors.As(err, &ce) || errors.As(err, &be) {
			return nil, err
		}
		return nil, &BackendIOError{Backend: b.Name(), Op: "start", Err: err}
	}
	return inst, nil
}
