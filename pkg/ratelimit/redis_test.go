package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisSlidingWindow(t *testing.T, limit int, window time.Duration) *RedisSlidingWindow {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSlidingWindow(client, "rl:", limit, window)
}

func TestRedisSlidingWindow_AllowsUpToLimit(t *testing.T) {
	rsw := setupRedisSlidingWindow(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		res := rsw.Check("agent-1")
		if !res.Allowed {
			t.Fatalf("expected call %d to be allowed, got %+v", i, res)
		}
	}

	res := rsw.Check("agent-1")
	if res.Allowed {
		t.Fatalf("expected 4th call within the window to be rejected, got %+v", res)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected a positive RetryAfter, got %v", res.RetryAfter)
	}
}

func TestRedisSlidingWindow_KeysAreIndependent(t *testing.T) {
	rsw := setupRedisSlidingWindow(t, 1, time.Minute)

	if res := rsw.Check("agent-a"); !res.Allowed {
		t.Fatalf("expected agent-a's first call to be allowed, got %+v", res)
	}
	if res := rsw.Check("agent-b"); !res.Allowed {
		t.Fatalf("expected agent-b's first call to be allowed independently, got %+v", res)
	}
	if res := rsw.Check("agent-a"); res.Allowed {
		t.Fatalf("expected agent-a's second call to be rejected, got %+v", res)
	}
}

func TestRedisSlidingWindow_ExpiresOldEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rsw := NewRedisSlidingWindow(client, "rl:", 1, time.Second)

	if res := rsw.Check("agent-1"); !res.Allowed {
		t.Fatalf("expected first call to be allowed, got %+v", res)
	}
	if res := rsw.Check("agent-1"); res.Allowed {
		t.Fatalf("expected second call inside the window to be rejected, got %+v", res)
	}

	mr.FastForward(2 * time.Second)

	if res := rsw.Check("agent-1"); !res.Allowed {
		t.Fatalf("expected a call after the window elapsed to be allowed, got %+v", res)
	}
}

func TestRedisSlidingWindow_CheckContextRespectsDeadline(t *testing.T) {
	rsw := setupRedisSlidingWindow(t, 10, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context must fail the Redis round trip and fail open
	// rather than wrongly denying the call.
	res := rsw.CheckContext(ctx, "agent-1")
	if !res.Allowed {
		t.Fatalf("expected fail-open on a cancelled context, got %+v", res)
	}
}
