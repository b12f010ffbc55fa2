// Package session owns the lifetime of conversation sessions.
//
// A [Manager] maps session ids to running [Session] values. Each session
// binds one transport (the caller side) to one backend instance and runs
// three goroutines:
//
//   - the supervisor owns the state machine and the shutdown sequence;
//   - the inbound forwarder owns the inbound sequence counter and delivers
//     caller audio, text and events to the backend in arrival order;
//   - the outbound forwarder owns the outbound sequence counter and turns
//     backend outputs into [Event] values on [Session.Events].
//
// Close triggers from the transport and from the backend collapse into a
// single shutdown sequence. Every session ends with exactly one
// [EventClosed] or [EventError] event, after which Events is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/audio/tracer"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// forceGrace is how long the supervisor waits for the forwarders after it
// has cancelled them.
const forceGrace = 500 * time.Millisecond

type itemKind int

const (
	itemAudio itemKind = iota
	itemText
	itemEvent
)

// inboundItem is one entry of the session inbox.
type inboundItem struct {
	kind     itemKind
	frame    audio.Frame
	text     modality.TextEvent
	event    modality.Event
	enqueued time.Time
}

// Session is one running conversation. All methods are safe for concurrent
// use.
type Session struct {
	id        string
	backend   string
	mods      modality.Set
	rate      int
	metadata  map[string]string
	startedAt time.Time

	m    *Manager
	inst modality.Instance
	log  *slog.Logger

	inbox  chan inboundItem
	events chan Event

	// sealed is set once the terminal event is due; events takes no sends
	// after it.
	emitMu sync.Mutex
	sealed bool

	// ctx bounds every call into the backend; cancel forces them to return.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	closeOnce sync.Once
	closing   chan struct{}
	causeMu   sync.Mutex
	cause     error

	inboundDone  chan struct{}
	outboundDone chan struct{}
	done         chan struct{}

	stats *statsCollector

	inTrace  *tracer.Tracer
	outTrace *tracer.Tracer
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Backend returns the name of the backend serving the session.
func (s *Session) Backend() string { return s.backend }

// Modalities returns the modalities the session was started with.
func (s *Session) Modalities() modality.Set { return s.mods }

// SampleRate returns the canonical rate audio must be pushed at and is
// emitted at.
func (s *Session) SampleRate() int { return s.rate }

// Metadata returns the call metadata supplied at connect.
func (s *Session) Metadata() map[string]string { return s.metadata }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats { return s.stats.snapshot() }

// Events returns the ordered stream of session events. The stream ends with
// exactly one [EventClosed] or [EventError] and is then closed. Consumers
// must drain it until closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause that ended the session, or nil for a graceful close.
// Only meaningful after Done is closed.
func (s *Session) Err() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}

// PushAudio queues a caller frame for the backend. The frame must be mono at
// [Session.SampleRate]. It blocks while the inbox is full and returns
// [ErrSessionClosed] once the session is shutting down.
func (s *Session) PushAudio(ctx context.Context, f audio.Frame) error {
	if !s.mods.Has(modality.AudioIn) {
		return fmt.Errorf("session %s: push audio: %w", s.id, modality.ErrNotSupported)
	}
	if f.SampleRate != s.rate {
		return fmt.Errorf("%w: frame at %d Hz, session runs at %d Hz", ErrFormatMismatch, f.SampleRate, s.rate)
	}
	return s.push(ctx, inboundItem{kind: itemAudio, frame: f})
}

// PushText queues caller text for the backend.
func (s *Session) PushText(ctx context.Context, ev modality.TextEvent) error {
	if !s.mods.Has(modality.TextIn) {
		return fmt.Errorf("session %s: push text: %w", s.id, modality.ErrNotSupported)
	}
	if ev.Role == "" {
		ev.Role = modality.RoleCaller
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return s.push(ctx, inboundItem{kind: itemText, text: ev})
}

// PushEvent queues an out-of-band event such as a DTMF digit. It travels
// through the same inbox as audio, so it keeps its position relative to the
// surrounding frames. Backends that do not implement [modality.EventSink]
// ignore events.
func (s *Session) PushEvent(ctx context.Context, ev modality.Event) error {
	return s.push(ctx, inboundItem{kind: itemEvent, event: ev})
}

func (s *Session) push(ctx context.Context, it inboundItem) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	it.enqueued = time.Now()
	select {
	case s.inbox <- it:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests a graceful shutdown and waits until it completes or ctx
// ends. Queued input is still delivered and in-flight backend output still
// drains to Events. Close is idempotent and safe to call concurrently with
// any other trigger; the first trigger decides the outcome.
func (s *Session) Close(ctx context.Context) error {
	s.beginClose(nil)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort ends the session with cause. Queued input is discarded and the final
// event is [EventError].
func (s *Session) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	s.beginClose(cause)
}

// beginClose records the first trigger and wakes the supervisor.
func (s *Session) beginClose(cause error) {
	s.closeOnce.Do(func() {
		s.causeMu.Lock()
		s.cause = cause
		s.causeMu.Unlock()
		if cause != nil {
			// Abort in-flight backend calls right away.
			s.cancel()
		}
		close(s.closing)
	})
}

// transition moves the state machine from one state to the next.
func (s *Session) transition(from, to State) error {
	if !validTransition(from, to) || !s.state.CompareAndSwap(int32(from), int32(to)) {
		err := fmt.Errorf("%w: session %s: transition %s -> %s from %s", ErrInvariant, s.id, from, to, s.State())
		s.log.Error("session state machine violated", "err", err)
		return err
	}
	s.log.Debug("session state", "from", from.String(), "to", to.String())
	return nil
}

// ── inbound ──────────────────────────────────────────────────────────────────

func (s *Session) forwardInbound() {
	defer close(s.inboundDone)

	var seq uint64
	for {
		select {
		case it := <-s.inbox:
			s.deliver(it, &seq)
		case <-s.closing:
			if s.Err() != nil {
				return
			}
			// Graceful: hand over what the transport queued before the close.
			for {
				select {
				case it := <-s.inbox:
					s.deliver(it, &seq)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) deliver(it inboundItem, seq *uint64) {
	var err error
	switch it.kind {
	case itemAudio:
		if th := s.m.opts.StalenessThreshold; th > 0 {
			if waited := time.Since(it.enqueued); waited > th {
				s.dropStale(it.frame, waited)
				return
			}
		}
		f := it.frame
		f.Seq = *seq
		*seq++
		if s.inTrace != nil {
			s.inTrace.Capture(f)
		}
		s.stats.addIn(f)
		s.m.metrics.RecordFrames(context.Background(), s.backend, "in", 1)
		err = s.inst.PushAudio(s.ctx, f)

	case itemText:
		s.stats.addTextIn()
		s.recordText(it.text)
		err = s.inst.PushText(s.ctx, it.text)

	case itemEvent:
		sink, ok := s.inst.(modality.EventSink)
		if !ok {
			s.log.Debug("backend ignores out-of-band event", "kind", it.event.Kind)
			return
		}
		err = sink.PushEvent(s.ctx, it.event)
	}
	if err != nil {
		s.onPushError(err)
	}
}

func (s *Session) dropStale(f audio.Frame, waited time.Duration) {
	n := s.stats.addDropped()
	s.m.metrics.RecordDroppedFrame(context.Background(), s.backend)
	s.log.Warn("dropping stale inbound frame",
		"waited", waited,
		"threshold", s.m.opts.StalenessThreshold,
		"frame_duration", f.Duration(),
		"dropped_total", n,
	)
}

func (s *Session) onPushError(err error) {
	select {
	case <-s.closing:
		// Expected while shutting down.
		return
	default:
	}
	s.m.metrics.RecordBackendError(context.Background(), s.backend, "push")
	s.beginClose(wrapBackendErr(s.backend, "push", err))
}

// ── outbound ─────────────────────────────────────────────────────────────────

func (s *Session) forwardOutbound() {
	defer close(s.outboundDone)

	var seq uint64
	for o := range s.inst.Outputs() {
		if s.ctx.Err() != nil {
			// Forced shutdown: nobody is waiting for the rest.
			continue
		}
		s.emit(o, &seq)
	}

	if err := s.inst.Err(); err != nil {
		s.m.metrics.RecordBackendError(context.Background(), s.backend, "stream")
		s.beginClose(wrapBackendErr(s.backend, "stream", err))
		return
	}
	// The backend finished on its own.
	s.beginClose(nil)
}

// emit converts o and delivers it unless the session is already sealed. A
// backend that keeps emitting past Stop must not reach a closed events
// channel.
func (s *Session) emit(o modality.Output, seq *uint64) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.sealed {
		return
	}
	ev, ok := s.convert(o, seq)
	if !ok {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// convert maps a backend output to an event. Usage is folded into the stats
// instead of being forwarded.
func (s *Session) convert(o modality.Output, seq *uint64) (Event, bool) {
	ev := Event{Seq: *seq}
	switch o.Kind {
	case modality.OutputAudio:
		if o.Audio.SampleRate != s.rate {
			s.log.Warn("backend emitted audio at the wrong rate; dropping",
				"rate", o.Audio.SampleRate, "want", s.rate)
			return Event{}, false
		}
		f := o.Audio
		f.Seq = *seq
		if s.outTrace != nil {
			s.outTrace.Capture(f)
		}
		s.stats.addOut(f)
		s.m.metrics.RecordFrames(context.Background(), s.backend, "out", 1)
		ev.Kind = EventAudio
		ev.Audio = f
	case modality.OutputText:
		s.stats.addTextOut()
		s.recordText(o.Text)
		ev.Kind = EventText
		ev.Text = o.Text
	case modality.OutputClear:
		ev.Kind = EventClear
	case modality.OutputCompleted:
		ev.Kind = EventCompleted
	case modality.OutputUsage:
		s.stats.addUsage(o.Usage)
		return Event{}, false
	default:
		s.log.Debug("ignoring unknown backend output", "kind", o.Kind.String())
		return Event{}, false
	}
	*seq++
	return ev, true
}

func (s *Session) recordText(t modality.TextEvent) {
	if !t.Final {
		return
	}
	at := t.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	err := s.m.opts.Journal.RecordText(s.ctx, journal.Text{
		SessionID: s.id,
		Backend:   s.backend,
		Seq:       s.stats.nextTextSeq(),
		Role:      t.Role,
		Content:   t.Content,
		Final:     t.Final,
		At:        at,
	})
	if err != nil {
		s.log.Debug("journal text write failed", "err", err)
	}
}

// ── supervisor ───────────────────────────────────────────────────────────────

func (s *Session) supervise() {
	<-s.closing
	cause := s.Err()

	if cause == nil {
		if err := s.transition(StateActive, StateDraining); err == nil {
			s.drain()
		}
	} else {
		s.log.Warn("session failed", "err", cause)
		s.release()
	}

	s.cancel()
	s.waitForwarders()
	_ = s.transition(s.State(), StateClosed)
	s.finish(cause)
}

// drain lets queued input reach the backend, then asks it to stop and waits
// for its output stream to close, all within the shutdown timeout.
func (s *Session) drain() {
	timeout := s.m.opts.ShutdownTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-s.inboundDone:
	case <-deadline.C:
		s.log.Warn("shutdown timeout while flushing input; forcing release", "timeout", timeout)
		s.cancel()
		s.release()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.inst.Stop(ctx); err != nil {
		s.log.Warn("backend stop failed", "err", err)
	}
	select {
	case <-s.outboundDone:
	case <-ctx.Done():
		s.log.Warn("shutdown timeout while draining output; forcing release", "timeout", timeout)
	}
}

// release stops the backend without waiting for a drain.
func (s *Session) release() {
	ctx, cancel := context.WithTimeout(context.Background(), forceGrace)
	defer cancel()
	if err := s.inst.Stop(ctx); err != nil {
		s.log.Debug("backend stop after failure", "err", err)
	}
}

func (s *Session) waitForwarders() {
	t := time.NewTimer(forceGrace)
	defer t.Stop()
	for _, ch := range []chan struct{}{s.inboundDone, s.outboundDone} {
		select {
		case <-ch:
		case <-t.C:
			s.log.Error("session forwarder did not stop; abandoning it")
			return
		}
	}
}

// finish records the outcome, emits the final event and unregisters the
// session.
func (s *Session) finish(cause error) {
	// ctx is cancelled by now, so an emit holding the lock returns promptly.
	s.emitMu.Lock()
	s.sealed = true
	s.emitMu.Unlock()

	ended := time.Now()
	stats := s.stats.snapshot()

	for _, tr := range []*tracer.Tracer{s.inTrace, s.outTrace} {
		if tr == nil {
			continue
		}
		if err := tr.Close(); err != nil {
			s.log.Warn("audio trace write failed", "path", tr.Path(), "err", err)
		}
	}

	summary := journal.Summary{
		SessionID: s.id,
		Backend:   s.backend,
		Metadata:  s.metadata,
		StartedAt: s.startedAt,
		EndedAt:   ended,
		FramesIn:  stats.FramesIn,
		FramesOut: stats.FramesOut,
		Dropped:   stats.Dropped,
		AudioIn:   stats.AudioIn,
		AudioOut:  stats.AudioOut,
		TextIn:    stats.TextIn,
		TextOut:   stats.TextOut,
		Usage:     stats.Usage,
		Outcome:   journal.OutcomeOK,
	}
	final := Event{Kind: EventClosed, Stats: stats}
	if cause != nil {
		summary.Outcome = journal.OutcomeError
		summary.Cause = cause.Error()
		final = Event{Kind: EventError, Err: cause, Stats: stats}
	}

	jctx, cancel := context.WithTimeout(context.Background(), s.m.opts.ShutdownTimeout)
	if err := s.m.opts.Journal.RecordSummary(jctx, summary); err != nil {
		s.log.Warn("journal summary write failed", "err", err)
	}
	cancel()

	s.m.metrics.RecordSessionClosed(context.Background(), s.backend, summary.Outcome, ended.Sub(s.startedAt).Seconds())
	s.log.Info("session closed",
		"outcome", summary.Outcome,
		"duration", ended.Sub(s.startedAt).Round(time.Millisecond),
		"frames_in", stats.FramesIn,
		"frames_out", stats.FramesOut,
		"dropped", stats.Dropped,
	)

	s.events <- final
	close(s.events)
	s.m.remove(s)
	close(s.done)
}

func wrapBackendErr(backend, op string, err error) error {
	var be *modality.BackendIOError
	if errors.As(err, &be) {
		return err
	}
	return &modality.BackendIOError{Backend: backend, Op: op, Err: err}
}

// tracePath returns the WAV path for one direction of a session.
func tracePath(dir, id, direction string) string {
	return filepath.Join(dir, id+"-"+direction+".wav")
}
