package cache

import (
	"context"
	"testing"
	"time"
)

func TestKey_NormalizesBeforeHashing(t *testing.T) {
	a := Key("gpt-4", "You are helpful.", "What's   the weather?")
	b := Key("gpt-4", "you are helpful", "what's the weather")
	if a != b {
		t.Fatalf("expected normalized prompts to hash identically, got %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-char key, got %d: %q", len(a), a)
	}
}

func TestCache_MissThenHit(t *testing.T) {
	c := New(NewMemoryStore(10), time.Hour)
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "gpt-4", "sys", "hello")
	if err != nil || hit {
		t.Fatalf("expected miss, got hit=%v err=%v", hit, err)
	}

	if err := c.Set(ctx, "gpt-4", "sys", "hello", "hi there", 10, 5, 200*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	resp, hit, err := c.Get(ctx, "gpt-4", "sys", "hello")
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if resp != "hi there" {
		t.Fatalf("unexpected response: %q", resp)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TokensSaved != 15 {
		t.Fatalf("expected 15 tokens saved, got %d", stats.TokensSaved)
	}
	if stats.HitRate() != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", stats.HitRate())
	}
}

func TestCache_ExpiresOnTTL(t *testing.T) {
	c := New(NewMemoryStore(10), 10*time.Millisecond)
	ctx := context.Background()

	_ = c.Set(ctx, "m", "s", "u", "resp", 1, 1, 0)
	time.Sleep(20 * time.Millisecond)

	_, hit, _ := c.Get(ctx, "m", "s", "u")
	if hit {
		t.Fatal("expected entry to have expired")
	}
}

func TestMemoryStore_EvictsOldestTenPercentOverCapacity(t *testing.T) {
	m := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		_ = m.Set(ctx, string(rune('a'+i)), []byte("v"), time.Hour)
	}
	size, _ := m.Size(ctx)
	if size != 10 {
		t.Fatalf("expected eviction to cap size at 10, got %d", size)
	}
	if _, found, _ := m.Get(ctx, "a"); found {
		t.Fatal("expected the oldest entry to have been evicted")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(NewMemoryStore(10), time.Hour)
	ctx := context.Background()
	_ = c.Set(ctx, "m", "s", "u", "r", 1, 1, 0)
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	size, _ := c.Size(ctx)
	if size != 0 {
		t.Fatalf("expected empty cache after Clear, got size %d", size)
	}
}
