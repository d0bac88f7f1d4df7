package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
)

var errDown = errors.New("provider down")

func TestPool_PriorityFallsBackOnFailure(t *testing.T) {
	pool := New(Config{Strategy: StrategyPriority, MaxRetries: 2, RetryDelay: time.Millisecond})
	reg := resilience.NewRegistry(resilience.DefaultConfig())

	pool.Add(Provider{
		ID:       "primary",
		Priority: 0,
		Handler:  func(ctx context.Context, args any) (any, error) { return nil, errDown },
	}, reg)
	pool.Add(Provider{
		ID:       "secondary",
		Priority: 1,
		Handler:  func(ctx context.Context, args any) (any, error) { return "ok", nil },
	}, reg)

	result, err := pool.Execute(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("expected fallback to secondary to succeed, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestPool_PreferredProviderTriedFirst(t *testing.T) {
	pool := New(Config{Strategy: StrategyPriority, MaxRetries: 2})
	reg := resilience.NewRegistry(resilience.DefaultConfig())

	var calledFirst string
	pool.Add(Provider{ID: "a", Priority: 0, Handler: func(ctx context.Context, args any) (any, error) {
		if calledFirst == "" {
			calledFirst = "a"
		}
		return "a", nil
	}}, reg)
	pool.Add(Provider{ID: "b", Priority: 1, Handler: func(ctx context.Context, args any) (any, error) {
		if calledFirst == "" {
			calledFirst = "b"
		}
		return "b", nil
	}}, reg)

	result, err := pool.Execute(context.Background(), nil, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "b" || calledFirst != "b" {
		t.Fatalf("expected preferred provider b to be tried first, got result=%v calledFirst=%v", result, calledFirst)
	}
}

func TestPool_ExcludesOpenCircuitProvider(t *testing.T) {
	pool := New(Config{Strategy: StrategyPriority, MaxRetries: 1, ExcludeUnhealthy: true})
	reg := resilience.NewRegistry(resilience.Config{FailureThreshold: 1, Timeout: time.Hour})

	failing := pool.Add(Provider{
		ID:       "flaky",
		Priority: 0,
		Handler:  func(ctx context.Context, args any) (any, error) { return nil, errDown },
	}, reg)
	pool.Add(Provider{
		ID:       "stable",
		Priority: 1,
		Handler:  func(ctx context.Context, args any) (any, error) { return "stable-ok", nil },
	}, reg)

	// Trip flaky's breaker directly.
	_ = failing.breaker.Call(context.Background(), func(ctx context.Context) error { return errDown })

	result, err := pool.Execute(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("expected stable provider to serve the call, got %v", err)
	}
	if result != "stable-ok" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestPool_ForceHealthyOverridesBreaker(t *testing.T) {
	pool := New(Config{Strategy: StrategyPriority, MaxRetries: 1, ExcludeUnhealthy: true})
	reg := resilience.NewRegistry(resilience.Config{FailureThreshold: 1, Timeout: time.Hour})

	prov := pool.Add(Provider{
		ID:       "forced",
		Priority: 0,
		Handler:  func(ctx context.Context, args any) (any, error) { return nil, errDown },
	}, reg)

	unhealthy := false
	prov.ForceHealthy(&unhealthy)

	_, err := pool.Execute(context.Background(), nil, "")
	if !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected no healthy providers after forced-unhealthy override, got %v", err)
	}
}

func TestPool_ExecuteParallelReturnsFirstSuccess(t *testing.T) {
	pool := New(DefaultConfig())
	reg := resilience.NewRegistry(resilience.DefaultConfig())

	pool.Add(Provider{ID: "slow", Priority: 0, Handler: func(ctx context.Context, args any) (any, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return "slow-ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}, reg)
	pool.Add(Provider{ID: "fast", Priority: 1, Handler: func(ctx context.Context, args any) (any, error) {
		return "fast-ok", nil
	}}, reg)

	result, err := pool.ExecuteParallel(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "fast-ok" {
		t.Fatalf("expected the fast provider to win the race, got %v", result)
	}
}

func TestPool_RoundRobinRotatesStart(t *testing.T) {
	pool := New(Config{Strategy: StrategyRoundRobin, MaxRetries: 1})
	reg := resilience.NewRegistry(resilience.DefaultConfig())

	var order []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		pool.Add(Provider{ID: id, Handler: func(ctx context.Context, args any) (any, error) {
			order = append(order, id)
			return id, nil
		}}, reg)
	}

	first, _ := pool.Execute(context.Background(), nil, "")
	second, _ := pool.Execute(context.Background(), nil, "")
	if first == second {
		t.Fatalf("expected round robin to rotate the starting candidate, got %v twice", first)
	}
}
