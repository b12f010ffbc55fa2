package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("resilience: all entries failed")

// FallbackConfig is the breaker template applied to every entry of a group.
// Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable values, each with its
// own breaker. The list is fixed once the group is shared.
type FallbackGroup[T any] struct {
	tmpl    CircuitBreakerConfig
	members []member[T]
}

// NewFallbackGroup starts a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{tmpl: cfg.CircuitBreaker}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends value as the last resort so far.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := g.tmpl
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Names lists entries in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.name)
	}
	return out
}

// Breaker returns the named entry's breaker, nil if there is no such entry.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range g.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Execute is [ExecuteWithResult] for calls without a result.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// ExecuteWithResult calls fn on each entry whose breaker admits it, in order,
// and returns the first success. If none succeeds the error matches
// [ErrAllFailed] and every per-entry error.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var failures []error
	for pos, m := range g.members {
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			if pos > 0 {
				slog.Info("fallback entry served", "entry", m.name, "position", pos, "skipped", len(failures))
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback entry skipped, circuit open", "entry", m.name)
		default:
			slog.Warn("fallback entry failed", "entry", m.name, "err", err)
		}
		failures = append(failures, fmt.Errorf("%s: %w", m.name, err))
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(failures...))
}
