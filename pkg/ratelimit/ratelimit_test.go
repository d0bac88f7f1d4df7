package ratelimit

import (
	"testing"
	"time"
)

func TestFixedWindow_AllowsUpToLimit(t *testing.T) {
	fw := NewFixedWindow(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		r := fw.Check("caller-1")
		if !r.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
	}
	r := fw.Check("caller-1")
	if r.Allowed {
		t.Fatal("expected 4th call to be denied")
	}
	if r.RetryAfter <= 0 {
		t.Fatal("expected a positive retry_after on denial")
	}
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	fw := NewFixedWindow(1, 20*time.Millisecond)
	fw.Check("k")
	if fw.Check("k").Allowed {
		t.Fatal("expected second call in same window to be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if !fw.Check("k").Allowed {
		t.Fatal("expected call after window reset to be allowed")
	}
}

func TestSlidingWindow_BoundsOverWindow(t *testing.T) {
	sw := NewSlidingWindow(5, 100*time.Millisecond)

	allowed := 0
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if sw.Check("k").Allowed {
			allowed++
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The weighted approximation permits some slack at window boundaries,
	// but should never wildly exceed twice the configured limit over one
	// window.
	if allowed > 10 {
		t.Fatalf("sliding window allowed %d operations in one window with limit 5", allowed)
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(2, 100) // 100 tokens/sec refill, burst 2

	if !tb.Check("k").Allowed {
		t.Fatal("expected first call allowed")
	}
	if !tb.Check("k").Allowed {
		t.Fatal("expected second call allowed (burst=2)")
	}
	if tb.Check("k").Allowed {
		t.Fatal("expected third immediate call denied")
	}

	time.Sleep(20 * time.Millisecond) // refills ~2 tokens at 100/s
	if !tb.Check("k").Allowed {
		t.Fatal("expected call allowed after refill")
	}
}

func TestTierManager_FallsBackToDefaultTier(t *testing.T) {
	tm := NewTierManager("free")
	tm.Register("free", NewFixedWindow(1, time.Hour))
	tm.Register("pro", NewFixedWindow(100, time.Hour))

	if !tm.CheckTier("unknown-tier", "caller").Allowed {
		t.Fatal("expected first call via fallback tier to be allowed")
	}
	if tm.CheckTier("unknown-tier", "caller").Allowed {
		t.Fatal("expected fallback (free) tier limit of 1 to deny the second call")
	}
	if !tm.CheckTier("pro", "caller").Allowed {
		t.Fatal("expected pro tier to have its own independent counter")
	}
}
