// Package bridge terminates the telephony audio-streaming WebSocket protocol
// and translates its messages into session operations.
//
// Each connection starts with a connect message that opens a session through
// the session manager. Media frames are decoded from the negotiated wire
// codec, normalised by an [audio.Pipeline] and pushed to the session in
// arrival order. Session output travels through a per-connection FIFO that
// also carries mark checkpoints, so a mark-ack is written only after every
// audio frame queued before the mark.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/switchyard/internal/observe"
	"github.com/MrWong99/switchyard/internal/session"
	"github.com/MrWong99/switchyard/pkg/audio"
)

// readLimit caps a single inbound frame.
const readLimit = 1 << 20

// Sessions is the part of [session.Manager] the bridge uses.
type Sessions interface {
	Connect(ctx context.Context, req session.ConnectRequest) (*session.Session, error)
	PreferredRate(backend string, rate int) (int, error)
}

var _ Sessions = (*session.Manager)(nil)

// GateOptions enables the inbound speech gate.
type GateOptions struct {
	Threshold float64
	Attack    time.Duration
	Release   time.Duration
}

// Options tunes a [Server]. Zero values select the defaults noted per field.
type Options struct {
	// DefaultBackend is used when a connect message names none.
	DefaultBackend string

	// MaxConnections caps concurrent connections. Default 256.
	MaxConnections int64

	// MaxBufferedAudio is how much playback may be pending at the peer
	// before outbound audio is held back. Default 5s.
	MaxBufferedAudio time.Duration

	// PacePlayback holds control messages until preceding audio is assumed
	// played back.
	PacePlayback bool

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration

	// HandshakeTimeout bounds the wait for the connect message. Default 10s.
	HandshakeTimeout time.Duration

	// CloseTimeout bounds a graceful session close after stop. Default 10s.
	CloseTimeout time.Duration

	// SampleRate is the canonical session rate. Default 16000.
	SampleRate int

	// FrameDuration is the canonical session frame length. Default 20ms.
	FrameDuration time.Duration

	// Tail is the partial frame policy of the inbound pipeline.
	Tail audio.TailPolicy

	// SpeechGate, when set, gates inbound audio.
	SpeechGate *GateOptions

	// OriginPatterns lists the allowed browser origins. Non-browser clients
	// are always accepted.
	OriginPatterns []string

	// Metrics records bridge metrics. Default [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 256
	}
	if o.MaxBufferedAudio <= 0 {
		o.MaxBufferedAudio = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
	if o.SampleRate <= 0 {
		o.SampleRate = audio.DefaultSampleRate
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = audio.DefaultFrameDuration
	}
}

// Server accepts bridge connections. It implements [http.Handler].
type Server struct {
	opts     Options
	sessions Sessions
	metrics  *observe.Metrics
	sem      *semaphore.Weighted

	mu             sync.RWMutex
	defaultBackend string

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New creates a server that opens sessions through sessions.
func New(sessions Sessions, opts Options) *Server {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:           opts,
		sessions:       sessions,
		metrics:        opts.Metrics,
		sem:            semaphore.NewWeighted(opts.MaxConnections),
		defaultBackend: opts.DefaultBackend,
		ctx:            ctx,
		cancel:         cancel,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// DefaultBackend returns the backend used when connect names none.
func (s *Server) DefaultBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultBackend
}

// SetDefaultBackend changes the default for new connections.
func (s *Server) SetDefaultBackend(name string) {
	s.mu.Lock()
	s.defaultBackend = name
	s.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.sem.TryAcquire(1) {
		slog.Warn("bridge at connection limit", "max", s.opts.MaxConnections, "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		slog.Debug("bridge upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ctx, span := observe.StartConnectionSpan(ctx, r.RemoteAddr)
	defer span.End()

	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	log := observe.Logger(ctx).With("remote", r.RemoteAddr)
	start := time.Now()
	log.Debug("bridge connection opened")
	newConn(s, ws, log).serve(ctx)
	log.Debug("bridge connection closed", "duration", time.Since(start).Round(time.Millisecond))
}

// Close aborts every open connection and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.conns.Wait()
}

// Shutdown waits for open connections to finish on their own until ctx
// ends, then aborts the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
