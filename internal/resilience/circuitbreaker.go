// Package resilience guards backend session setup against failing services.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops a failing backend from being dialled on every new call.
// [FallbackGroup] orders several values of the same type, each behind its own
// breaker, and [BackendFallback] applies that to [modality.Backend] so a
// session can start against the first healthy entry of a configured chain.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// select the defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels log lines, usually the backend name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are passed through without changing state, which keeps
	// caller mistakes such as invalid configuration from tripping it. Nil
	// counts every error.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock for tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and records its outcome.
// A rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	counts := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))
	cb.mu.Lock()
	from := cb.state
	switch {
	case counts:
		cb.onFailure(probe)
	case err == nil:
		cb.onSuccess(probe)
	case probe:
		// A neutral error hands the probe slot back.
		cb.probes--
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

// admit reserves a slot for one call. probe reports whether the call runs in
// the half-open state.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccesses = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probe bool) {
	if probe {
		cb.trip()
		return
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures {
		cb.trip()
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	if !probe {
		cb.consecutiveFail = 0
		return
	}
	if cb.state != StateHalfOpen {
		// Another probe already re-opened the breaker.
		return
	}
	cb.probeSuccesses++
	if cb.probeSuccesses >= cb.cfg.HalfOpenMax {
		cb.state = StateClosed
		cb.consecutiveFail = 0
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.consecutiveFail = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String())
	default:
		slog.Info("circuit breaker state change", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
