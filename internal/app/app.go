// Package app wires all switchyard subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds backends, journal,
// session manager and bridge from the config, Run serves HTTP until the
// context ends, and Shutdown drains calls and tears everything down in
// reverse order.
//
// For testing, inject doubles via functional options (WithJournal,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchyard/internal/bridge"
	"github.com/MrWong99/switchyard/internal/config"
	"github.com/MrWong99/switchyard/internal/health"
	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/internal/observe"
	"github.com/MrWong99/switchyard/internal/resilience"
	"github.com/MrWong99/switchyard/internal/session"
	"github.com/MrWong99/switchyard/pkg/audio"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	factories *config.Registry
	backends  *modality.Registry
	level     *slog.LevelVar
	metrics   *observe.Metrics

	journal  journal.Journal
	pingers  []pinger
	sessions *session.Manager
	bridge   *bridge.Server
	health   *health.Handler
	handler  http.Handler

	configPath string
	watcher    *config.Watcher

	mu     sync.Mutex
	guards map[string]*resilience.BackendFallback // by backend name; guarded by mu
	server *http.Server
	addr   net.Addr

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithJournal injects a journal instead of opening the configured sinks.
// The App takes ownership and closes it on Shutdown.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithMetrics injects the metric instruments. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level of the handler that
// was built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables polling path for hot-reloadable changes while
// [App.Run] is active.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// pinger is a journal sink whose connectivity can be probed.
type pinger interface {
	Ping(ctx context.Context) error
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. factories maps
// backend types to constructors; main populates it with the built-in types.
//
// New performs all initialisation synchronously: backend construction,
// journal connection and migration, session manager and bridge assembly.
func New(ctx context.Context, cfg *config.Config, factories *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		factories: factories,
		backends:  modality.NewRegistry(),
		guards:    make(map[string]*resilience.BackendFallback),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Backends ──────────────────────────────────────────────────────
	if err := a.loadBackends(cfg.Backends); err != nil {
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.sessions = session.New(a.backends, session.Options{
		InboundBuffer:      cfg.Session.InboundBuffer,
		OutboundBuffer:     cfg.Session.OutboundBuffer,
		StalenessThreshold: cfg.Session.StalenessThreshold,
		ShutdownTimeout:    cfg.Session.ShutdownTimeout,
		MaxSessions:        cfg.Session.MaxSessions,
		DefaultSampleRate:  cfg.Audio.SampleRate,
		FrameDuration:      cfg.Audio.FrameDuration,
		TraceDir:           cfg.Session.TraceDir,
		Journal:            a.journal,
		Metrics:            a.metrics,
	})

	// ── 4. Bridge ────────────────────────────────────────────────────────
	b, err := a.newBridge()
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}
	a.bridge = b

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	a.handler = a.routes()

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyChange)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	slog.Info("app initialised",
		"backends", a.backends.Names(),
		"default_backend", a.bridge.DefaultBackend(),
		"max_sessions", cfg.Session.MaxSessions,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) newBridge() (*bridge.Server, error) {
	cfg := a.cfg
	tail, err := audio.ParseTailPolicy(cfg.Audio.Tail)
	if err != nil {
		return nil, err
	}
	opts := bridge.Options{
		DefaultBackend:   cfg.Bridge.DefaultBackend,
		MaxConnections:   int64(cfg.Bridge.MaxConnections),
		MaxBufferedAudio: cfg.Bridge.MaxBufferedAudio,
		PacePlayback:     cfg.Bridge.PacePlayback,
		PingInterval:     cfg.Bridge.PingInterval,
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout,
		CloseTimeout:     cfg.Session.ShutdownTimeout,
		SampleRate:       cfg.Audio.SampleRate,
		FrameDuration:    cfg.Audio.FrameDuration,
		Tail:             tail,
		Metrics:          a.metrics,
	}
	if g := cfg.Bridge.SpeechGate; g.Enabled {
		opts.SpeechGate = &bridge.GateOptions{
			Threshold: g.Threshold,
			Attack:    g.Attack,
			Release:   g.Release,
		}
	}
	return bridge.New(a.sessions, opts), nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.cfg.Server.MetricsEnabled() {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}
	mux.Handle(a.cfg.Bridge.Path, a.bridge)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "sessions", Check: a.sessions.CapacityCheck},
		{Name: "backends", Check: a.backendCheck},
	}
	if len(a.pingers) > 0 {
		// A journal outage loses history, not calls.
		checks = append(checks, health.Checker{Name: "journal", Check: a.journalCheck, Optional: true})
	}
	return checks
}

func (a *App) journalCheck(ctx context.Context) error {
	var errs []error
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP handler serving the bridge, health and metrics
// routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Addr returns the listener address once [App.Run] is serving, else nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and polls the config file until ctx is cancelled. When ctx
// is done the listener is closed and readiness turns to draining; open calls
// keep running until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		a.watcherStop()
		// Hijacked WebSocket connections are not tracked by the server, so
		// this returns once the listener is closed and idle conns are gone.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("server listening", "addr", ln.Addr().String(), "bridge_path", a.cfg.Bridge.Path, "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Reload re-reads the config file now. It reports false when the app was
// built without [WithConfigPath].
func (a *App) Reload() bool {
	if a.watcher == nil {
		return false
	}
	a.watcher.Reload()
	return true
}

func (a *App) watcherStop() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains calls and tears down all subsystems. Open bridge
// connections are asked to finish and aborted when ctx expires; live
// sessions are closed gracefully within the same deadline. Closers then run
// in reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))
		a.health.SetDraining(true)
		a.watcherStop()

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		var errs []error
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close sessions: %w", err))
		}
		if err := a.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close bridge: %w", err))
		}
		if err := a.runClosers(); err != nil {
			errs = append(errs, err)
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
