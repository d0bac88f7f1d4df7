package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures RetryPolicy's exponential-backoff-with-jitter
// schedule, per spec.md §4.3.
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// MinJitterFactor/MaxJitterFactor bound the multiplicative jitter
	// U(min, max) applied to each computed delay.
	MinJitterFactor float64
	MaxJitterFactor float64
	// Timeout bounds the total wall-clock budget across all attempts,
	// including sleeps.
	Timeout time.Duration
}

// DefaultRetryConfig returns sensible defaults for a provider HTTP call.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		MinJitterFactor: 0.8,
		MaxJitterFactor: 1.2,
		Timeout:         30 * time.Second,
	}
}

// Permanent marks err as non-retryable. Wraps cenkalti/backoff's Permanent
// marker so RetryPolicy and any other backoff-aware caller recognize it.
// Permanent marks err as non-retryable. This is the only role
// cenkalti/backoff/v5 plays here — the delay schedule itself is computed by
// nextDelay below, not by backoff's own ExponentialBackOff type.
func Permanent(err error) error { return backoff.Permanent(err) }

// isPermanent reports whether err (or anything it wraps) was marked via
// Permanent.
func isPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

// RetryPolicy executes an operation up to MaxAttempts times with exponential
// backoff and jitter, optionally composed with a CircuitBreaker so each
// attempt counts toward the breaker's statistics (spec.md §4.3: "Retry is
// composable with a circuit breaker").
type RetryPolicy struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	rand    *rand.Rand
}

// NewRetryPolicy builds a RetryPolicy. breaker may be nil for a bare retry
// with no circuit protection.
func NewRetryPolicy(cfg RetryConfig, breaker *CircuitBreaker) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetryPolicy{
		cfg:     cfg,
		breaker: breaker,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op, retrying retryable failures per the configured schedule. A
// failure marked via Permanent, or the exhaustion of MaxAttempts, ends the
// retry loop and returns the last error encountered.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	deadline := time.Now().Add(p.cfg.Timeout)
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if p.breaker != nil {
			err = p.breaker.Call(ctx, op)
		} else {
			err = op(ctx)
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || isPermanent(err) {
			return err
		}

		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		delay := p.nextDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// nextDelay computes min(base*exponentialBase^attempt, maxDelay) scaled by a
// uniform multiplicative jitter factor, per spec.md §4.3. This is hand-rolled
// rather than driven off backoff.NewExponentialBackOff: that type's own
// schedule is stateful (NextBackOff advances internal state on every call and
// has no "give me the delay for attempt N" entry point) and its jitter is a
// symmetric ±RandomizationFactor around the interval, which cannot express
// cfg's independent MinJitterFactor/MaxJitterFactor bounds. Reusing it here
// would mean bending RetryConfig to backoff's shape instead of spec.md's.
func (p *RetryPolicy) nextDelay(attempt int) time.Duration {
	base := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.ExponentialBase, float64(attempt))
	if max := float64(p.cfg.MaxDelay); max > 0 && base > max {
		base = max
	}

	minF, maxF := p.cfg.MinJitterFactor, p.cfg.MaxJitterFactor
	if minF <= 0 && maxF <= 0 {
		minF, maxF = 1, 1
	}
	jitter := minF
	if maxF > minF {
		jitter = minF + p.rand.Float64()*(maxF-minF)
	}

	return time.Duration(base * jitter)
}
