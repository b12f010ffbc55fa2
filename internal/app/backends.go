package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/switchyard/internal/config"
	"github.com/MrWong99/switchyard/internal/journal"
	"github.com/MrWong99/switchyard/internal/journal/postgres"
	"github.com/MrWong99/switchyard/internal/journal/redis"
	"github.com/MrWong99/switchyard/internal/resilience"
	"github.com/MrWong99/switchyard/pkg/modality"
)

// ─── Backends ────────────────────────────────────────────────────────────────

// buildBackends instantiates every entry and wraps it in its fallback chain.
// Each chain member gets its own breaker; fallbacks refer to the raw
// backends, not to other chains.
func (a *App) buildBackends(entries []config.BackendEntry) (map[string]*resilience.BackendFallback, error) {
	raw := make(map[string]modality.Backend, len(entries))
	var errs []error
	for _, e := range entries {
		b, err := a.factories.Create(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		raw[e.Name] = b
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	chains := make(map[string]*resilience.BackendFallback, len(entries))
	for _, e := range entries {
		fb := resilience.NewBackendFallback(raw[e.Name], resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:   e.CircuitBreaker.MaxFailures,
				ResetTimeout:  e.CircuitBreaker.ResetTimeout,
				HalfOpenMax:   e.CircuitBreaker.HalfOpenMax,
				OnStateChange: a.breakerChanged(e.Name),
			},
		})
		for _, name := range e.Fallbacks {
			b, ok := raw[name]
			if !ok {
				return nil, fmt.Errorf("backend %q: unknown fallback %q", e.Name, name)
			}
			fb.AddFallback(b)
		}
		chains[e.Name] = fb
	}
	return chains, nil
}

// loadBackends replaces the registered backends with entries. On error the
// previous set stays in place.
func (a *App) loadBackends(entries []config.BackendEntry) error {
	chains, err := a.buildBackends(entries)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.guards {
		if _, ok := chains[name]; !ok {
			a.backends.Remove(name)
		}
	}
	for name, fb := range chains {
		a.backends.Register(fb)
		if len(fb.Chain()) > 1 {
			slog.Debug("backend registered", "backend", name, "chain", fb.Chain())
		}
	}
	a.guards = chains
	return nil
}

func (a *App) breakerChanged(chain string) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		log := slog.Default().With("chain", chain, "backend", name, "from", from.String(), "to", to.String())
		if to == resilience.StateOpen {
			log.Warn("circuit breaker opened")
			a.metrics.RecordBackendError(context.Background(), name, "circuit_open")
			return
		}
		log.Info("circuit breaker state changed")
	}
}

// backendCheck fails while every breaker in the default backend's chain is
// open, in which case no new call could be answered.
func (a *App) backendCheck(context.Context) error {
	name := a.bridge.DefaultBackend()
	if name == "" {
		return nil
	}
	a.mu.Lock()
	fb, ok := a.guards[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("default backend %q is not registered", name)
	}
	var open []string
	for _, n := range fb.Chain() {
		if br := fb.Breaker(n); br != nil && br.State() == resilience.StateOpen {
			open = append(open, n)
		}
	}
	if len(open) == len(fb.Chain()) {
		return fmt.Errorf("all breakers open: %s", strings.Join(open, ", "))
	}
	return nil
}

// applyChange is the config watcher callback. Running sessions keep the
// backend they started with.
func (a *App) applyChange(_, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.BackendsChanged {
		if err := a.loadBackends(cfg.Backends); err != nil {
			slog.Error("backend reload failed, keeping previous backends", "err", err)
		} else {
			for _, c := range d.BackendChanges {
				slog.Info("backend reloaded", "backend", c.Name, "added", c.Added, "removed", c.Removed, "modified", c.Modified)
			}
		}
	}
	if d.DefaultBackendChanged {
		a.bridge.SetDefaultBackend(d.NewDefaultBackend)
		slog.Info("default backend changed", "backend", d.NewDefaultBackend)
	}
}

// ─── Journal ─────────────────────────────────────────────────────────────────

// initJournal opens the configured sinks behind an async writer. Without
// sinks the journal is a no-op.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		a.closers = append(a.closers, a.journal.Close)
		return nil
	}
	jc := a.cfg.Journal
	var sinks journal.Multi
	if jc.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, jc.PostgresDSN)
		if err != nil {
			return err
		}
		sinks = append(sinks, pg)
		a.pingers = append(a.pingers, pg)
		slog.Info("journal sink connected", "sink", "postgres")
	}
	if jc.RedisAddr != "" {
		rj, err := redis.Open(ctx, redis.Options{Addr: jc.RedisAddr, Channel: jc.RedisChannel})
		if err != nil {
			_ = sinks.Close()
			return err
		}
		sinks = append(sinks, rj)
		a.pingers = append(a.pingers, rj)
		slog.Info("journal sink connected", "sink", "redis", "addr", jc.RedisAddr, "channel", jc.RedisChannel)
	}
	if len(sinks) == 0 {
		a.journal = journal.Nop{}
		return nil
	}
	async := journal.NewAsync(sinks, jc.Queue, journal.WithDropHook(func() {
		a.metrics.JournalDropped.Add(context.Background(), 1)
	}))
	a.journal = async
	a.closers = append(a.closers, async.Close)
	return nil
}
