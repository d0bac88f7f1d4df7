package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, HalfOpenMaxCalls: 1})

	for i := 0; i < 2; i++ {
		err := cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %v", cb.State())
	}

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("operation should not be invoked while OPEN")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 3})

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %v", cb.State())
	}

	// One success isn't enough to close (success_threshold=2).
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected still HALF_OPEN after 1 success, got %v", cb.State())
	}

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after success_threshold successes, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 3})

	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	time.Sleep(15 * time.Millisecond)

	err := cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}

	if cb.State() != StateOpen {
		t.Fatalf("a single HALF_OPEN failure must reopen with a fresh timer, got %v", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, Timeout: time.Hour})
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after Reset, got %v", cb.State())
	}
	if s := cb.Stats(); s.TotalCalls != 0 {
		t.Fatalf("expected counters zeroed, got %+v", s)
	}
}

func TestCircuitBreaker_FailureRateThreshold(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold:     1000, // disable consecutive-failure trip
		FailureRateThreshold: 0.5,
		MinSamples:           4,
		Timeout:              time.Hour,
	})

	// 2 successes, 2 failures -> 50% rate with 4 samples: should trip.
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	_ = cb.Call(context.Background(), func(ctx context.Context) error { return errBoom })

	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN from failure-rate trip, got %v", cb.State())
	}
}

func TestRegistry_LazyCreatesAndReuses(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("groq")
	b := r.Get("groq")
	if a != b {
		t.Fatal("expected Registry.Get to return the same breaker instance for the same name")
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected 1 registered breaker, got %d", len(r.All()))
	}
}
