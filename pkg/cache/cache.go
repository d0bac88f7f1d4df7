// Package cache implements the LLM response cache (C5): a normalized-prompt
// keyed store with TTL expiry, pluggable backing store, and cache
// statistics, per spec.md §4.4.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Store is the pluggable backing interface every cache backend implements.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

type entry struct {
	Response       string    `json:"response"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
	HitCount       int64     `json:"hit_count"`
	LastAccessed   time.Time `json:"last_accessed"`
	ComputeLatency time.Duration `json:"compute_latency"`
}

// Stats is the cumulative cache statistics from spec.md §4.4.
type Stats struct {
	Hits          int64
	Misses        int64
	TokensSaved   int64
	LatencySaved  time.Duration
}

// HitRate returns Hits / (Hits + Misses), or 0 if no lookups have happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the normalized-prompt -> LLM response cache.
type Cache struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a Cache backed by store with the given default TTL (spec.md
// default: 1 hour).
func New(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{store: store, ttl: ttl}
}

// Key computes the cache key sha256(model || normalized_system || normalized_user)
// truncated to 32 hex characters, per spec.md §4.4.
func Key(model, systemPrompt, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalize(systemPrompt)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(userPrompt)))
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:32]
}

// normalize collapses whitespace, lower-cases, and strips trailing
// punctuation, per spec.md §4.4.
func normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	joined := strings.Join(fields, " ")
	return strings.TrimRightFunc(joined, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// Get looks up a cached response for (model, systemPrompt, userPrompt). On
// hit it increments the entry's hit_count/last_accessed and the cache's
// cumulative statistics.
func (c *Cache) Get(ctx context.Context, model, systemPrompt, userPrompt string) (string, bool, error) {
	key := Key(model, systemPrompt, userPrompt)

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !found {
		c.recordMiss()
		return "", false, nil
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt/legacy entry: treat as a miss rather than failing the call.
		c.recordMiss()
		return "", false, nil
	}

	e.HitCount++
	e.LastAccessed = time.Now()
	if encoded, err := json.Marshal(e); err == nil {
		_ = c.store.Set(ctx, key, encoded, c.ttl)
	}

	c.mu.Lock()
	c.stats.Hits++
	c.stats.TokensSaved += int64(e.InputTokens + e.OutputTokens)
	c.stats.LatencySaved += e.ComputeLatency
	c.mu.Unlock()

	return e.Response, true, nil
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// Set stores response for (model, systemPrompt, userPrompt). computeLatency
// is the time the original (uncached) call took, used to compute
// cumulative latency saved on future hits.
func (c *Cache) Set(ctx context.Context, model, systemPrompt, userPrompt, response string, inputTokens, outputTokens int, computeLatency time.Duration) error {
	key := Key(model, systemPrompt, userPrompt)
	e := entry{
		Response:       response,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CreatedAt:      time.Now(),
		LastAccessed:   time.Now(),
		ComputeLatency: computeLatency,
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, encoded, c.ttl)
}

// Delete evicts the cache entry for (model, systemPrompt, userPrompt).
func (c *Cache) Delete(ctx context.Context, model, systemPrompt, userPrompt string) error {
	return c.store.Delete(ctx, Key(model, systemPrompt, userPrompt))
}

// Clear empties the cache.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Size returns the number of entries currently stored.
func (c *Cache) Size(ctx context.Context) (int, error) {
	return c.store.Size(ctx)
}

// Stats returns a snapshot of cumulative cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
