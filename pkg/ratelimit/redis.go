package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow is a true sliding-window-log limiter backed by a Redis
// sorted set per key, for deployments that run more than one orchestrator
// process and need a rate limit shared across all of them (the in-process
// SlidingWindow above only sees traffic that lands on its own process).
// Each allowed call adds a member scored by its timestamp; Check evicts
// everything older than window and compares the remaining cardinality
// against limit, mirroring the approach lookatitude-beluga-ai's
// llm.WithProviderLimits middleware uses for its distributed tier limits.
type RedisSlidingWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisSlidingWindow wraps an existing *redis.Client. prefix namespaces
// keys (e.g. "ratelimit:") so the database can be shared with pkg/cache and
// pkg/agentstore without collisions.
func NewRedisSlidingWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *RedisSlidingWindow) ns(key string) string {
	return r.prefix + key
}

// Check implements Limiter. It talks to Redis with a background context and
// a fixed 2-second budget; CheckContext is available for
// callers that want to pass their own deadline.
func (r *RedisSlidingWindow) Check(key string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.CheckContext(ctx, key)
}

// CheckContext is the context-aware form of Check, for callers already
// holding a request context (e.g. mediaHandler).
func (r *RedisSlidingWindow) CheckContext(ctx context.Context, key string) Result {
	now := time.Now()
	windowStart := now.Add(-r.window)
	zkey := r.ns(key)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	card := pipe.ZCard(ctx, zkey)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: a Redis outage must not take down every session.
		return Result{Allowed: true, Limit: r.limit}
	}

	resetAt := now.Add(r.window)
	if int(card.Val()) >= r.limit {
		return Result{
			Allowed:    false,
			Limit:      r.limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: r.window,
		}
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	addPipe := r.client.TxPipeline()
	addPipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	addPipe.Expire(ctx, zkey, r.window)
	_, _ = addPipe.Exec(ctx)

	remaining := r.limit - int(card.Val()) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: r.limit, Remaining: remaining, ResetAt: resetAt}
}

var _ Limiter = (*RedisSlidingWindow)(nil)
