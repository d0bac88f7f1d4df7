// Package resilience implements per-provider fault isolation: a circuit
// breaker (C3) and a retry policy composable with it, grounded on
// sunona/core/circuit_breaker.py and sunona/core/retry.go from the Python
// original this spec was distilled from, and on the teacher pack's
// pkg/orchestration/internal/scheduler retry/circuit-breaker primitives.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states described in spec.md §3.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned immediately, without invoking the wrapped
// operation, while the breaker is OPEN.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a CircuitBreaker's trip and recovery predicates.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while HALF_OPEN.
	SuccessThreshold int
	// Timeout is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	Timeout time.Duration
	// HalfOpenMaxCalls bounds the number of concurrent probes allowed
	// while HALF_OPEN.
	HalfOpenMaxCalls int
	// FailureRateThreshold additionally trips the breaker when the rolling
	// failure rate reaches this value (0-1), provided MinSamples calls have
	// been observed.
	FailureRateThreshold float64
	MinSamples           int

	// Callbacks, optional. Never block the caller's critical path; invoked
	// synchronously under no lock held.
	OnStateChange func(from, to State)
	OnFailure     func(err error)
	OnSuccess     func()
}

// DefaultConfig mirrors sunona.core.circuit_breaker.CircuitBreakerConfig's
// defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		Timeout:              30 * time.Second,
		HalfOpenMaxCalls:     3,
		FailureRateThreshold: 0.5,
		MinSamples:           10,
	}
}

// Stats is the breaker's point-in-time statistics, exposed to operators and
// to pkg/metrics.
type Stats struct {
	TotalCalls           int64
	SuccessfulCalls       int64
	FailedCalls           int64
	RejectedCalls         int64
	ConsecutiveFailures   int
	ConsecutiveSuccesses  int
	StateChangedAt        time.Time
}

// CircuitBreaker wraps any fallible operation with failure tracking and
// fault isolation, per spec.md §3/§4.3.
type CircuitBreaker struct {
	name   string
	cfg    Config
	mu     sync.Mutex
	state  State
	stats  Stats
	halfOpenInFlight int
}

// New creates a CircuitBreaker for the given provider identifier.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		stats: Stats{StateChangedAt: time.Now()},
	}
}

// Name returns the provider identifier this breaker protects.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current breaker state. If OPEN and the timeout has
// elapsed, the caller-visible state is reported as HALF_OPEN even though
// the actual transition happens lazily on the next Call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveStateLocked()
}

func (cb *CircuitBreaker) effectiveStateLocked() State {
	if cb.state == StateOpen && time.Since(cb.stats.StateChangedAt) >= cb.cfg.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Stats returns a snapshot of the breaker's statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset forces the breaker back to CLOSED and zeroes its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.stats = Stats{StateChangedAt: time.Now()}
	cb.halfOpenInFlight = 0
	cb.mu.Unlock()
	cb.notifyStateChange(from, StateClosed)
}

// Call executes op under circuit-breaker protection. It returns
// ErrCircuitOpen without calling op if the breaker is OPEN.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)

	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.effectiveStateLocked()
	if state == StateHalfOpen && cb.state == StateOpen {
		cb.transitionLocked(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		cb.stats.RejectedCalls++
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			cb.stats.RejectedCalls++
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}

	cb.stats.TotalCalls++
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.stats.FailedCalls++
		cb.stats.ConsecutiveFailures++
		cb.stats.ConsecutiveSuccesses = 0

		var from, to State
		tripped := false
		if cb.state == StateHalfOpen {
			cb.transitionLocked(StateOpen)
			tripped = true
			from, to = StateHalfOpen, StateOpen
		} else if cb.shouldTripLocked() {
			from = cb.state
			cb.transitionLocked(StateOpen)
			tripped = true
			to = StateOpen
		}
		cb.mu.Unlock()

		if cb.cfg.OnFailure != nil {
			cb.cfg.OnFailure(err)
		}
		if tripped {
			cb.notifyStateChange(from, to)
		}
		return
	}

	cb.stats.SuccessfulCalls++
	cb.stats.ConsecutiveSuccesses++
	cb.stats.ConsecutiveFailures = 0

	closed := false
	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
		cb.transitionLocked(StateClosed)
		closed = true
	}
	cb.mu.Unlock()

	if cb.cfg.OnSuccess != nil {
		cb.cfg.OnSuccess()
	}
	if closed {
		cb.notifyStateChange(StateHalfOpen, StateClosed)
	}
}

// shouldTripLocked implements the trip predicate from spec.md §3:
// consecutive-failures >= threshold OR (rolling failure rate >= rate
// threshold AND total calls >= minimum sample).
func (cb *CircuitBreaker) shouldTripLocked() bool {
	if cb.stats.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		return true
	}
	if cb.cfg.FailureRateThreshold > 0 && cb.stats.TotalCalls >= int64(cb.cfg.MinSamples) {
		rate := float64(cb.stats.FailedCalls) / float64(cb.stats.TotalCalls)
		if rate >= cb.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.state = to
	cb.stats.StateChangedAt = time.Now()
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) notifyStateChange(from, to State) {
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}

// Registry is a composition-root-owned collection of circuit breakers keyed
// by provider identifier. Per spec.md §9 ("Global mutable state"), this
// replaces the Python original's module-level singleton registry.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewRegistry creates a Registry that lazily constructs breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns the breaker for name, creating it with the registry's default
// config on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// All returns a snapshot of every breaker currently registered.
func (r *Registry) All() map[string]*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
