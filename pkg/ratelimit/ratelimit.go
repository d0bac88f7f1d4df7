// Package ratelimit implements the three limiter algorithms and tier
// dispatcher from spec.md §4.3 (C4), grounded on
// sunona/core/rate_limiter.py and on the sliding-window limiter used by
// lookatitude-beluga-ai's llm.WithProviderLimits middleware. The token
// bucket algorithm is backed by golang.org/x/time/rate, the official
// extended-stdlib implementation carried from that repo's dependency tree.
// SlidingWindow/FixedWindow here are single-process approximations;
// RedisSlidingWindow (redis.go) is the distributed version of the same
// algorithm for multi-process deployments.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is implemented by each of the three algorithms below.
type Limiter interface {
	Check(key string) Result
}

// ---- Sliding window (two-bucket weighted approximation) ----

// SlidingWindow approximates a true sliding window by weighting the
// previous fixed window's count by the fraction of it still "inside" the
// current window, avoiding the burst-at-boundary problem of a naive fixed
// window while staying O(1) per key.
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowCounter
}

type windowCounter struct {
	currentStart  time.Time
	currentCount  int
	previousCount int
}

// NewSlidingWindow creates a SlidingWindow limiter allowing at most limit
// operations per window duration, per key.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, counters: make(map[string]*windowCounter)}
}

func (s *SlidingWindow) Check(key string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok {
		c = &windowCounter{currentStart: now}
		s.counters[key] = c
	}

	elapsed := now.Sub(c.currentStart)
	if elapsed >= s.window {
		// Roll forward by however many whole windows have elapsed; if more
		// than one window has fully elapsed, the "previous" window no
		// longer overlaps at all.
		windows := int(elapsed / s.window)
		if windows > 1 {
			c.previousCount = 0
		} else {
			c.previousCount = c.currentCount
		}
		c.currentCount = 0
		c.currentStart = c.currentStart.Add(time.Duration(windows) * s.window)
		elapsed = now.Sub(c.currentStart)
	}

	overlap := 1.0 - elapsed.Seconds()/s.window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	weighted := float64(c.previousCount)*overlap + float64(c.currentCount)

	resetAt := c.currentStart.Add(s.window)
	if weighted >= float64(s.limit) {
		return Result{
			Allowed:    false,
			Limit:      s.limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	c.currentCount++
	remaining := s.limit - int(weighted) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: s.limit, Remaining: remaining, ResetAt: resetAt}
}

// ---- Token bucket ----

// TokenBucket wraps golang.org/x/time/rate per key, giving each key its own
// capacity and refill rate.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	refill   rate.Limit
	buckets  map[string]*rate.Limiter
}

// NewTokenBucket creates a TokenBucket limiter with the given burst
// capacity and per-second refill rate.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (t *TokenBucket) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.buckets[key]
	if !ok {
		l = rate.NewLimiter(t.refill, t.capacity)
		t.buckets[key] = l
	}
	return l
}

func (t *TokenBucket) Check(key string) Result {
	l := t.limiterFor(key)
	now := time.Now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return Result{Allowed: false, Limit: t.capacity}
	}

	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return Result{
			Allowed:    false,
			Limit:      t.capacity,
			RetryAfter: delay,
			ResetAt:    now.Add(delay),
		}
	}

	return Result{
		Allowed:   true,
		Limit:     t.capacity,
		Remaining: int(l.Tokens()),
	}
}

// ---- Fixed window ----

// FixedWindow is the simplest (and burst-prone-at-boundary) limiter: a
// counter reset every window.
type FixedWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*fixedCounter
}

type fixedCounter struct {
	start time.Time
	count int
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{limit: limit, window: window, counters: make(map[string]*fixedCounter)}
}

func (f *FixedWindow) Check(key string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	c, ok := f.counters[key]
	if !ok || now.Sub(c.start) >= f.window {
		c = &fixedCounter{start: now}
		f.counters[key] = c
	}

	resetAt := c.start.Add(f.window)
	if c.count >= f.limit {
		return Result{Allowed: false, Limit: f.limit, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	c.count++
	return Result{Allowed: true, Limit: f.limit, Remaining: f.limit - c.count, ResetAt: resetAt}
}

// ---- Tier manager ----

// TierManager dispatches Check calls to one of several named limiters (e.g.
// "free", "pro"), per spec.md §4.3.
type TierManager struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
	fallback string
}

// NewTierManager creates a TierManager. fallback names the tier used when
// CheckTier is called with an unrecognized tier name.
func NewTierManager(fallback string) *TierManager {
	return &TierManager{limiters: make(map[string]Limiter), fallback: fallback}
}

// Register binds a tier name to a Limiter implementation.
func (t *TierManager) Register(tier string, limiter Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiters[tier] = limiter
}

// CheckTier checks key against the limiter registered for tier, falling
// back to the manager's default tier if tier is unregistered.
func (t *TierManager) CheckTier(tier, key string) Result {
	t.mu.RLock()
	l, ok := t.limiters[tier]
	if !ok {
		l = t.limiters[t.fallback]
	}
	t.mu.RUnlock()

	if l == nil {
		return Result{Allowed: true}
	}
	return l.Check(key)
}
