// Package journal records what happened in a session: the conversation text
// as it flows and one billing-style summary when the session ends.
//
// [Journal] implementations live in subpackages (postgres, redis). This
// package provides the interface plus the combinators the app wires them
// with: [Nop], [Multi] and [Async].
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/switchyard/pkg/modality"
)

// Text is one conversation text event observed in a session.
type Text struct {
	SessionID string        `json:"session_id"`
	Backend   string        `json:"backend"`
	Seq       uint64        `json:"seq"`
	Role      modality.Role `json:"role"`
	Content   string        `json:"content"`
	Final     bool          `json:"final"`
	At        time.Time     `json:"at"`
}

// Outcome values for [Summary.Outcome].
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Summary is the record written once when a session closes.
type Summary struct {
	SessionID string            `json:"session_id"`
	Backend   string            `json:"backend"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`

	FramesIn  int64         `json:"frames_in"`
	FramesOut int64         `json:"frames_out"`
	Dropped   int64         `json:"dropped"`
	AudioIn   time.Duration `json:"audio_in"`
	AudioOut  time.Duration `json:"audio_out"`
	TextIn    int64         `json:"text_in"`
	TextOut   int64         `json:"text_out"`

	Usage []modality.UsageRecord `json:"usage,omitempty"`

	// Outcome is OutcomeOK or OutcomeError; Cause carries the error text.
	Outcome string `json:"outcome"`
	Cause   string `json:"cause,omitempty"`
}

// Duration returns the session's wall-clock length.
func (s Summary) Duration() time.Duration { return s.EndedAt.Sub(s.StartedAt) }

// Journal persists session records. Implementations must be safe for
// concurrent use.
type Journal interface {
	RecordText(ctx context.Context, t Text) error
	RecordSummary(ctx context.Context, s Summary) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) RecordText(context.Context, Text) error       { return nil }
func (Nop) RecordSummary(context.Context, Summary) error { return nil }
func (Nop) Close() error                                 { return nil }

// Multi fans every record out to all journals and joins their errors.
type Multi []Journal

var _ Journal = Multi(nil)

func (m Multi) RecordText(ctx context.Context, t Text) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordText(ctx, t))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordSummary(ctx context.Context, s Summary) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordSummary(ctx, s))
	}
	return errors.Join(errs...)
}

// Close closes the journals in reverse order.
func (m Multi) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		errs = append(errs, m[i].Close())
	}
	return errors.Join(errs...)
}
