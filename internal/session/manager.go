package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/internal/observe"
	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/audio/tracer"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// Options tunes a [Manager]. Zero values select the defaults noted per field.
type Options struct {
	// InboundBuffer is the inbox capacity per session. Default 50.
	InboundBuffer int

	// OutboundBuffer is the event stream capacity per session. Default 100.
	OutboundBuffer int

	// StalenessThreshold drops inbound frames that waited longer than this
	// in the inbox. Zero disables the check.
	StalenessThreshold time.Duration

	// ShutdownTimeout bounds a graceful drain. Default 3s.
	ShutdownTimeout time.Duration

	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int

	// DefaultSampleRate applies when a connect request names no rate.
	// Default 16000.
	DefaultSampleRate int

	// FrameDuration is handed to backends as the canonical frame length.
	// Default 20ms.
	FrameDuration time.Duration

	// TraceDir enables per-session WAV traces when set.
	TraceDir string

	// Journal receives transcripts and summaries. Default [journal.Nop].
	Journal journal.Journal

	// Metrics records session metrics. Default [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (o *Options) applyDefaults() {
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 50
	}
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = 100
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 3 * time.Second
	}
	if o.DefaultSampleRate <= 0 {
		o.DefaultSampleRate = audio.DefaultSampleRate
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = audio.DefaultFrameDuration
	}
	if o.Journal == nil {
		o.Journal = journal.Nop{}
	}
}

// ConnectRequest describes a session to open.
type ConnectRequest struct {
	// ID is the session id. A UUID is generated when empty.
	ID string

	// Backend names the registered backend to use.
	Backend string

	// Modalities is the requested modality set.
	Modalities modality.Set

	// SampleRate is the canonical rate for the session. Zero selects the
	// manager default.
	SampleRate int

	// Params are per-session backend parameters.
	Params map[string]any

	// Metadata is opaque call metadata, journaled with the summary.
	Metadata map[string]string
}

// Manager owns the set of live sessions. It is safe for concurrent use.
type Manager struct {
	opts     Options
	metrics  *observe.Metrics
	backends *modality.Registry

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{}
	closed   bool
}

// New creates a manager that resolves backends through reg.
func New(reg *modality.Registry, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:     opts,
		metrics:  opts.Metrics,
		backends: reg,
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Connect validates req against the selected backend, starts a backend
// instance and returns the running session. Capability mismatches fail with
// a [*modality.ConfigurationError] before any connection is made.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SampleRate == 0 {
		req.SampleRate = m.opts.DefaultSampleRate
	}
	if err := m.reserve(req.ID); err != nil {
		return nil, err
	}
	registered := false
	defer func() {
		if !registered {
			m.release(req.ID)
		}
	}()

	ctx, span := observe.StartSessionSpan(ctx, req.ID, req.Backend)
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()
	span.SetAttributes(
		attribute.String("switchyard.modalities", req.Modalities.String()),
		attribute.Int("switchyard.sample_rate", req.SampleRate),
	)
	fail := func(err error) (*Session, error) {
		spanErr = err
		return nil, err
	}

	b, err := m.backends.Lookup(req.Backend)
	if err != nil {
		return fail(fmt.Errorf("session: connect: %w", err))
	}

	start := time.Now()
	inst, err := modality.Start(ctx, b, modality.Config{
		SessionID:     req.ID,
		Modalities:    req.Modalities,
		SampleRate:    req.SampleRate,
		FrameDuration: m.opts.FrameDuration,
		Params:        req.Params,
		Metadata:      req.Metadata,
	})
	m.metrics.BackendStartDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", req.Backend)))
	if err != nil {
		var ce *modality.ConfigurationError
		if !errors.As(err, &ce) {
			m.metrics.RecordBackendError(ctx, req.Backend, "start")
		}
		return fail(err)
	}

	s := m.newSession(ctx, req, inst)
	if err := s.transition(StateCreated, StateActive); err != nil {
		_ = inst.Stop(context.Background())
		return fail(err)
	}
	m.mu.Lock()
	delete(m.pending, req.ID)
	m.sessions[req.ID] = s
	m.mu.Unlock()
	registered = true

	m.metrics.RecordSessionStarted(ctx, req.Backend)
	s.log.Info("session started",
		"modalities", req.Modalities.String(),
		"sample_rate", req.SampleRate,
		"setup", time.Since(start).Round(time.Millisecond),
	)

	go s.supervise()
	go s.forwardInbound()
	go s.forwardOutbound()
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, req ConnectRequest, inst modality.Instance) *Session {
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           req.ID,
		backend:      req.Backend,
		mods:         req.Modalities,
		rate:         req.SampleRate,
		metadata:     req.Metadata,
		startedAt:    time.Now(),
		m:            m,
		inst:         inst,
		log:          observe.Logger(ctx).With("session_id", req.ID, "backend", req.Backend),
		inbox:        make(chan inboundItem, m.opts.InboundBuffer),
		events:       make(chan Event, m.opts.OutboundBuffer),
		ctx:          sctx,
		cancel:       cancel,
		closing:      make(chan struct{}),
		inboundDone:  make(chan struct{}),
		outboundDone: make(chan struct{}),
		done:         make(chan struct{}),
		stats:        newStatsCollector(),
	}
	s.state.Store(int32(StateCreated))
	if dir := m.opts.TraceDir; dir != "" {
		if req.Modalities.Has(modality.AudioIn) {
			s.inTrace = tracer.New(tracePath(dir, req.ID, "in"))
		}
		if req.Modalities.Has(modality.AudioOut) {
			s.outTrace = tracer.New(tracePath(dir, req.ID, "out"))
		}
	}
	return s
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	if _, ok := m.pending[id]; ok {
		return fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	if max := m.opts.MaxSessions; max > 0 && len(m.sessions)+len(m.pending) >= max {
		return fmt.Errorf("%w: %d sessions", ErrCapacity, max)
	}
	m.pending[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// remove unregisters s. Called once by the session's supervisor.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close gracefully closes the session with the given id.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

// Shutdown rejects new sessions and gracefully closes every live one,
// waiting until they finish or ctx ends. Consumers of the sessions' event
// streams must keep draining them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	live := m.Sessions()
	if len(live) > 0 {
		slog.Info("closing sessions", "count", len(live))
	}
	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				s.Abort(fmt.Errorf("session: shutdown: %w", err))
				return fmt.Errorf("session %s: %w", s.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CapacityCheck reports an error while the manager is at max_sessions or
// shut down. It is meant for a readiness probe.
func (m *Manager) CapacityCheck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if max := m.opts.MaxSessions; max > 0 && len(m.sessions)+len(m.pending) >= max {
		return fmt.Errorf("%w: %d/%d sessions", ErrCapacity, len(m.sessions)+len(m.pending), max)
	}
	return nil
}

// PreferredRate returns rate when the named backend accepts it, otherwise
// the backend's first advertised rate.
func (m *Manager) PreferredRate(backend string, rate int) (int, error) {
	b, err := m.backends.Lookup(backend)
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	return b.Capabilities().PreferredRate(rate), nil
}
