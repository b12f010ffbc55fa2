package session

import (
	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// EventKind discriminates [Event] values.
type EventKind int

const (
	EventAudio EventKind = iota
	EventText
	EventClear
	EventCompleted

	// EventClosed is the final event of a graceful session.
	EventClosed

	// EventError is the final event of a failed session.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventClear:
		return "clear"
	case EventCompleted:
		return "completed"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Final reports whether k ends the event stream.
func (k EventKind) Final() bool { return k == EventClosed || k == EventError }

// Event is one item on [Session.Events].
type Event struct {
	Kind EventKind

	// Seq is the outbound sequence number, strictly increasing per session.
	// Final events carry the next unused number.
	Seq uint64

	Audio audio.Frame
	Text  modality.TextEvent

	// Err is the cause carried by EventError.
	Err error

	// Stats is set on final events.
	Stats Stats
}
