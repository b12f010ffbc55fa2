package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/switchyard/internal/observe"
	"github.com/MrWong99/switchyard/internal/session"
	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

const (
	// writeTimeout bounds a single frame write to the peer.
	writeTimeout = 10 * time.Second

	// outQueue is the capacity of the channel feeding the writer.
	outQueue = 64

	// markQueue is the capacity of the channel handing marks to the pump.
	markQueue = 16

	// outFrameDuration is the length of outbound media frames.
	outFrameDuration = 20 * time.Millisecond

	// maxCloseReason is the longest close reason a close frame can carry.
	maxCloseReason = 123
)

// ConnState is the state of one bridge connection.
type ConnState int32

const (
	StateAwaitingHandshake ConnState = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn serves one WebSocket. The read loop owns the connection state and the
// inbound pipeline. The pump owns the outbound pipeline and orders marks
// behind the audio before them. The writer owns the scheduler and the
// outbound sequence counter.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	state atomic.Int32

	sess    *session.Session
	wire    wireFormat
	dec     audio.Codec
	enc     audio.Codec
	inPipe  *audio.Pipeline
	outPipe *audio.Pipeline
	gate    *audio.SpeechGate

	lastSeq uint64
	outSeq  uint64

	out        chan outItem
	marks      chan outItem
	pumpDone   chan struct{}
	writerDone chan struct{}
}

func newConn(srv *Server, ws *websocket.Conn, log *slog.Logger) *conn {
	return &conn{
		srv:        srv,
		ws:         ws,
		log:        log,
		out:        make(chan outItem, outQueue),
		marks:      make(chan outItem, markQueue),
		pumpDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *conn) setState(s ConnState) {
	if prev := ConnState(c.state.Swap(int32(s))); prev != s {
		c.log.Debug("bridge connection state", "from", prev.String(), "to", s.String())
	}
}

// serve runs the connection to completion.
func (c *conn) serve(ctx context.Context) {
	defer c.setState(StateClosed)

	if err := c.handshake(ctx); err != nil {
		c.reject(ctx, err)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("session.id", c.sess.ID()),
		attribute.String("bridge.wire_format", c.wire.String()),
	)

	go c.pump()
	go c.writeLoop(ctx)
	go c.keepalive(ctx)

	err := c.readLoop(ctx)
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		c.setState(StateClosing)
		c.log.Warn("closing bridge connection", "kind", string(pe.Kind), "err", pe)
		c.srv.metrics.RecordProtocolError(ctx, string(pe.Kind))
		c.enqueue(outItem{kind: outError, err: pe})
		c.sess.Abort(pe)
	case c.State() == StateStreaming:
		// The peer left without a stop message.
		c.setState(StateClosing)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.log.Info("peer closed the connection", "err", err)
			go c.closeSession()
		default:
			c.log.Warn("bridge transport failed", "err", err)
			c.sess.Abort(fmt.Errorf("bridge: transport: %w", err))
		}
	}

	<-c.pumpDone
	<-c.writerDone
}

// ── handshake ────────────────────────────────────────────────────────────────

func (c *conn) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.srv.opts.HandshakeTimeout)
	defer cancel()

	typ, data, err := c.ws.Read(hctx)
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return protocolError("no connect message within %s", c.srv.opts.HandshakeTimeout)
		}
		return fmt.Errorf("bridge: read connect: %w", err)
	}
	if typ == websocket.MessageBinary {
		return protocolError("media before connect")
	}
	m, err := ParseMessage(data)
	if err != nil {
		return err
	}
	if m.Type != TypeConnect {
		return protocolError("%s before connect", m.Type)
	}
	if err := c.checkSeq(m); err != nil {
		return err
	}
	p, err := DecodePayload[ConnectPayload](m)
	if err != nil {
		return err
	}

	if c.wire, err = negotiate(p); err != nil {
		return err
	}
	mods, err := parseModalities(p.Modalities)
	if err != nil {
		return err
	}
	backend := p.Backend
	if backend == "" {
		backend = c.srv.DefaultBackend()
	}
	rate, err := c.srv.sessions.PreferredRate(backend, c.srv.opts.SampleRate)
	if err != nil {
		return sessionError("select backend", err)
	}
	if c.dec, c.enc, err = c.wire.codecs(); err != nil {
		return err
	}
	c.inPipe, err = audio.NewPipeline(
		audio.Format{SampleRate: c.wire.sampleRate, Channels: c.wire.channels},
		audio.Target{SampleRate: rate, FrameDuration: c.srv.opts.FrameDuration, Tail: c.srv.opts.Tail},
	)
	if err != nil {
		return protocolErrorFrom("inbound format", err)
	}
	if c.outPipe, err = c.newOutPipe(rate); err != nil {
		return protocolErrorFrom("outbound format", err)
	}
	if g := c.srv.opts.SpeechGate; g != nil {
		c.gate = audio.NewSpeechGate(g.Threshold, g.Attack, g.Release)
	}

	sess, err := c.srv.sessions.Connect(ctx, session.ConnectRequest{
		ID:         p.CallID,
		Backend:    backend,
		Modalities: mods,
		SampleRate: rate,
		Params:     p.Params,
		Metadata:   p.Metadata,
	})
	if err != nil {
		return sessionError("connect", err)
	}
	c.sess = sess
	c.log = c.log.With("session_id", sess.ID(), "backend", backend)

	if err := c.writeMessage(ctx, TypeConnected, ConnectedPayload{SessionID: sess.ID(), SampleRate: rate}); err != nil {
		sess.Abort(fmt.Errorf("bridge: write connected: %w", err))
		go audio.Drain(sess.Events())
		return fmt.Errorf("bridge: write connected: %w", err)
	}
	c.setState(StateStreaming)
	c.log.Info("bridge session connected", "wire", c.wire.String(), "session_rate", rate)
	return nil
}

// newOutPipe converts session audio to the wire rate. Partial frames are
// sent as they are, except for Opus, which only encodes fixed frame sizes.
func (c *conn) newOutPipe(rate int) (*audio.Pipeline, error) {
	tail := audio.TailTruncate
	if c.wire.codec == audio.CodecOpus {
		tail = audio.TailPad
	}
	return audio.NewPipeline(
		audio.Format{SampleRate: rate, Channels: 1},
		audio.Target{SampleRate: c.wire.sampleRate, FrameDuration: outFrameDuration, Tail: tail},
	)
}

// reject reports a handshake failure and closes the socket.
func (c *conn) reject(ctx context.Context, err error) {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		c.log.Debug("bridge connection ended before connect", "err", err)
		c.ws.CloseNow()
		return
	}
	c.log.Warn("rejecting bridge connection", "kind", string(pe.Kind), "err", pe)
	c.srv.metrics.RecordProtocolError(ctx, string(pe.Kind))
	c.writeError(ctx, pe)
	c.ws.Close(pe.Kind.Status(), closeReason(pe))
}

// ── inbound ──────────────────────────────────────────────────────────────────

// readLoop handles frames until the transport fails or a frame is invalid.
// It returns a [*ProtocolError] for invalid frames.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if c.State() != StateStreaming {
			// After stop everything but the close handshake is ignored.
			continue
		}
		if err := c.handleFrame(ctx, typ, data); err != nil {
			return err
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if typ == websocket.MessageBinary {
		return c.pushMedia(ctx, data)
	}
	m, err := ParseMessage(data)
	if err != nil {
		return err
	}
	if err := c.checkSeq(m); err != nil {
		return err
	}

	switch m.Type {
	case TypeMedia:
		p, err := DecodePayload[MediaPayload](m)
		if err != nil {
			return err
		}
		return c.pushMedia(ctx, p.Audio)

	case TypeMark:
		p, err := DecodePayload[MarkPayload](m)
		if err != nil {
			return err
		}
		c.queueMark(outItem{kind: outMark, mark: p.Name, received: time.Now()})
		return nil

	case TypeDTMF:
		p, err := DecodePayload[DTMFPayload](m)
		if err != nil {
			return err
		}
		if !validDigit(p.Digit) {
			return parseError(fmt.Sprintf("invalid dtmf digit %q", p.Digit), nil)
		}
		return c.sessionPush(c.sess.PushEvent(ctx, modality.Event{
			Kind:     "dtmf",
			Value:    p.Digit,
			Duration: time.Duration(p.Duration) * time.Millisecond,
		}))

	case TypeText:
		p, err := DecodePayload[TextPayload](m)
		if err != nil {
			return err
		}
		return c.sessionPush(c.sess.PushText(ctx, modality.TextEvent{
			Role:    modality.RoleCaller,
			Content: p.Content,
			Final:   true,
		}))

	case TypeStop:
		c.setState(StateClosing)
		c.log.Info("stop received; draining")
		go c.closeSession()
		return nil

	case TypeConnect:
		return protocolError("duplicate connect")

	default:
		return parseError(fmt.Sprintf("unknown message type %q", m.Type), nil)
	}
}

func (c *conn) pushMedia(ctx context.Context, payload []byte) error {
	samples, err := c.dec.Decode(payload)
	if err != nil {
		return parseError("decode media", err)
	}
	for _, f := range c.inPipe.Write(samples) {
		if c.gate != nil {
			f = c.gate.Process(f)
		}
		if err := c.sessionPush(c.sess.PushAudio(ctx, f)); err != nil {
			return err
		}
	}
	return nil
}

// sessionPush maps push errors. A session that is already ending is not an
// error of this connection; its final event follows on the pump.
func (c *conn) sessionPush(err error) error {
	switch {
	case err == nil, errors.Is(err, session.ErrSessionClosed):
		return nil
	case errors.Is(err, modality.ErrNotSupported):
		return protocolErrorFrom("message not allowed for the session modalities", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return sessionError("push", err)
	}
}

func (c *conn) checkSeq(m Message) error {
	if m.Sequence == 0 {
		return nil
	}
	if m.Sequence <= c.lastSeq {
		return protocolError("sequence %d after %d", m.Sequence, c.lastSeq)
	}
	c.lastSeq = m.Sequence
	return nil
}

// queueMark hands a mark to the pump. Once the pump is done the session has
// ended and the mark is dropped.
func (c *conn) queueMark(it outItem) {
	select {
	case c.marks <- it:
	case <-c.pumpDone:
	}
}

func (c *conn) closeSession() {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.opts.CloseTimeout)
	defer cancel()
	if err := c.sess.Close(ctx); err != nil {
		c.log.Warn("session close timed out; aborting", "err", err)
		c.sess.Abort(fmt.Errorf("bridge: close: %w", err))
	}
}

func validDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	switch r := d[0]; {
	case r >= '0' && r <= '9', r == '*', r == '#', r >= 'A' && r <= 'D':
		return true
	}
	return false
}

// ── outbound ─────────────────────────────────────────────────────────────────

// pump turns session events into outbound items until the session ends.
// A mark is queued only after every event the session had already produced,
// including audio still held in the outbound pipeline.
func (c *conn) pump() {
	defer close(c.pumpDone)
	events := c.sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Marks that raced with the end are acked after the last audio.
				for len(c.marks) > 0 {
					c.enqueue(<-c.marks)
				}
				return
			}
			c.handleEvent(ev)
		case m := <-c.marks:
			for n := len(events); n > 0; n-- {
				ev, ok := <-events
				if !ok {
					break
				}
				c.handleEvent(ev)
			}
			c.enqueueAudio(c.outPipe.Sync())
			c.enqueue(m)
		}
	}
}

func (c *conn) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventAudio:
		c.enqueueAudio(c.outPipe.Write(ev.Audio.Samples))
	case session.EventText:
		c.enqueue(outItem{kind: outMessage, typ: TypeText, payload: TextPayload{
			Role:    string(ev.Text.Role),
			Content: ev.Text.Content,
			Final:   ev.Text.Final,
		}})
	case session.EventClear:
		// Discard the partial frame so stale audio does not leak into the
		// next response.
		if p, err := c.newOutPipe(c.sess.SampleRate()); err == nil {
			c.outPipe = p
		}
		c.enqueue(outItem{kind: outClear})
	case session.EventCompleted:
		c.log.Debug("backend response completed")
	case session.EventClosed:
		c.enqueueAudio(c.outPipe.Close())
	case session.EventError:
		c.enqueue(outItem{kind: outError, err: asProtocolError(ev.Err)})
	}
}

func (c *conn) enqueueAudio(frames []audio.Frame) {
	for _, f := range frames {
		payload, err := c.enc.Encode(f.Samples)
		if err != nil {
			c.log.Warn("encode outbound audio failed; dropping frame", "err", err)
			continue
		}
		c.enqueue(outItem{kind: outAudio, audio: payload, dur: f.Duration()})
	}
}

// enqueue hands it to the writer, or drops it once the writer is gone.
func (c *conn) enqueue(it outItem) {
	select {
	case c.out <- it:
	case <-c.writerDone:
	}
}

// writeLoop owns the scheduler. It ends after the pump is done and every
// queued item is written, on the first write error, on an error item, or
// when ctx ends. It closes the socket on exit.
func (c *conn) writeLoop(ctx context.Context) {
	defer close(c.writerDone)

	status, reason := websocket.StatusNormalClosure, "session ended"
	defer func() { c.ws.Close(status, reason) }()

	sched := newScheduler(c.srv.opts.MaxBufferedAudio, c.srv.opts.PacePlayback)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	// accept queues it, or reports false once an error item ends the
	// connection.
	accept := func(it outItem) bool {
		if it.kind == outError {
			status, reason = it.err.Kind.Status(), closeReason(it.err)
			c.writeError(ctx, it.err)
			return false
		}
		sched.push(it)
		return true
	}

	for {
		var wait time.Duration
		for {
			it, w, ready := sched.next(time.Now())
			if !ready {
				wait = w
				break
			}
			if err := c.writeItem(ctx, it); err != nil {
				c.log.Debug("bridge write failed", "err", err)
				return
			}
		}

		var tick <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			tick = timer.C
		}
		select {
		case it := <-c.out:
			if !accept(it) {
				return
			}
		case <-c.pumpDone:
			// Flush what is left without pacing, then close.
			for len(c.out) > 0 {
				if !accept(<-c.out) {
					return
				}
			}
			c.log.Debug("bridge draining outbound queue",
				"items", sched.size(), "unplayed", sched.pending(time.Now()))
			for _, it := range sched.drain() {
				if err := c.writeItem(ctx, it); err != nil {
					c.log.Debug("bridge write failed while draining", "err", err)
					return
				}
			}
			return
		case <-tick:
		case <-ctx.Done():
			status, reason = websocket.StatusGoingAway, "server shutting down"
			return
		}
		timer.Stop()
	}
}

func (c *conn) writeItem(ctx context.Context, it outItem) error {
	switch it.kind {
	case outAudio:
		if c.wire.binary {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			return c.ws.Write(wctx, websocket.MessageBinary, it.audio)
		}
		return c.writeMessage(ctx, TypeMedia, MediaPayload{Audio: it.audio})
	case outMark:
		if err := c.writeMessage(ctx, TypeMarkAck, MarkPayload{Name: it.mark}); err != nil {
			return err
		}
		c.srv.metrics.MarkAckLatency.Record(ctx, time.Since(it.received).Seconds())
		return nil
	case outClear:
		return c.writeMessage(ctx, TypeClear, nil)
	default:
		return c.writeMessage(ctx, it.typ, it.payload)
	}
}

// writeMessage encodes and writes one JSON frame with the next outbound
// sequence number. Only the handshake and then the writer call it.
func (c *conn) writeMessage(ctx context.Context, typ string, payload any) error {
	c.outSeq++
	data, err := EncodeMessage(typ, c.outSeq, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

func (c *conn) writeError(ctx context.Context, pe *ProtocolError) {
	p := ErrorPayload{Code: string(pe.Kind), Message: pe.Error(), CorrelationID: observe.CorrelationID(ctx)}
	if err := c.writeMessage(ctx, TypeError, p); err != nil {
		c.log.Debug("could not report error to peer", "err", err)
	}
}

// keepalive pings the peer until the writer is gone.
func (c *conn) keepalive(ctx context.Context) {
	interval := c.srv.opts.PingInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.writerDone:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug("keepalive ping failed", "err", err)
				return
			}
		}
	}
}

func closeReason(pe *ProtocolError) string {
	r := pe.Msg
	for len(r) > maxCloseReason {
		_, size := utf8.DecodeLastRuneInString(r)
		r = r[:len(r)-size]
	}
	return r
}
