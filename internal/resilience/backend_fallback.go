package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/switchyard/pkg/modality"
)

// BackendFallback implements [modality.Backend] over an ordered chain of
// backends. Start opens the session on the first entry whose capabilities fit
// the request and whose breaker admits the call. Only session setup fails
// over; an instance that fails mid-call ends its session.
type BackendFallback struct {
	name  string
	group *FallbackGroup[modality.Backend]
}

var _ modality.Backend = (*BackendFallback)(nil)

// NewBackendFallback wraps primary. The fallback reports primary's name and
// capabilities. Configuration errors never count against a breaker.
func NewBackendFallback(primary modality.Backend, cfg FallbackConfig) *BackendFallback {
	cfg.CircuitBreaker.IsFailure = isBackendFailure
	return &BackendFallback{
		name:  primary.Name(),
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback appends b to the chain.
func (f *BackendFallback) AddFallback(b modality.Backend) {
	f.group.AddFallback(b.Name(), b)
}

// Name returns the primary's name.
func (f *BackendFallback) Name() string { return f.name }

// Capabilities returns the primary's capabilities.
func (f *BackendFallback) Capabilities() modality.Capabilities {
	return f.group.members[0].value.Capabilities()
}

// Chain returns the entry names in try order.
func (f *BackendFallback) Chain() []string { return f.group.Names() }

// Breaker exposes the breaker for the named entry.
func (f *BackendFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// Start validates cfg against each entry before dialling it, so a fallback
// with a narrower capability set is skipped rather than failed.
func (f *BackendFallback) Start(ctx context.Context, cfg modality.Config) (modality.Instance, error) {
	return ExecuteWithResult(f.group, func(b modality.Backend) (modality.Instance, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return modality.Start(ctx, b, cfg)
	})
}

func isBackendFailure(err error) bool {
	var ce *modality.ConfigurationError
	if errors.As(err, &ce) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Guard wraps a single backend in a circuit breaker.
func Guard(b modality.Backend, cfg CircuitBreakerConfig) *BackendFallback {
	return NewBackendFallback(b, FallbackConfig{CircuitBreaker: cfg})
}
