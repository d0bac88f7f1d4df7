// Package failover implements the provider failover pool (C6): an ordered
// or weighted set of provider handlers for a single capability (STT, LLM,
// or TTS), with health tracking and automatic fallback, per spec.md §4.5.
// Grounded on pkg/resilience's circuit breaker (consulted per provider
// before each attempt) and on lookatitude-beluga-ai's scheduler.Bulkhead
// pattern for the execute_parallel race.
package failover

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
)

// Strategy selects how candidates are ordered for a call.
type Strategy int

const (
	StrategyPriority Strategy = iota
	StrategyRoundRobin
	StrategyWeighted
	StrategyLeastLatency
	StrategyLeastCost
	StrategyRandom
)

// Handler performs the actual provider call. args and the return value are
// left as `any` so the same pool type serves STT, LLM, and TTS providers.
type Handler func(ctx context.Context, args any) (any, error)

// ErrNoHealthyProvider is returned when every candidate is excluded by
// circuit state or forced-unhealthy status.
var ErrNoHealthyProvider = errors.New("failover: no healthy provider available")

// Metrics is the rolling health record kept per provider.
type Metrics struct {
	Successes   int64
	Failures    int64
	LastError   error
	LastLatency time.Duration
	lastUsed    time.Time
}

// SuccessRate returns Successes / (Successes + Failures), or 1.0 if the
// provider has never been called (optimistic default, so new providers get
// a chance).
func (m Metrics) SuccessRate() float64 {
	total := m.Successes + m.Failures
	if total == 0 {
		return 1
	}
	return float64(m.Successes) / float64(total)
}

// Provider is one entry in a Pool.
type Provider struct {
	ID          string
	Handler     Handler
	Priority    int // lower runs first under StrategyPriority
	Weight      int // relative share under StrategyWeighted
	CostPerUnit float64

	breaker *resilience.CircuitBreaker

	mu        sync.Mutex
	metrics   Metrics
	forced    *bool // nil = auto, non-nil = operator override
}

// ForceHealthy overrides automatic health tracking. Pass nil to return to
// automatic recovery.
func (p *Provider) ForceHealthy(healthy *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = healthy
}

// Healthy reports whether the provider should currently be considered a
// candidate: not forced unhealthy, and not tripped open.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	forced := p.forced
	p.mu.Unlock()

	if forced != nil {
		return *forced
	}
	if p.breaker != nil && p.breaker.State() == resilience.StateOpen {
		return false
	}
	return true
}

// Metrics returns a snapshot of the provider's rolling health metrics.
func (p *Provider) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *Provider) recordResult(latency time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.LastLatency = latency
	p.metrics.lastUsed = time.Now()
	if err != nil {
		p.metrics.Failures++
		p.metrics.LastError = err
		return
	}
	p.metrics.Successes++
	p.metrics.LastError = nil
}

// Config configures retry behavior across candidates within a Pool.
type Config struct {
	Strategy     Strategy
	MaxRetries   int
	RetryDelay   time.Duration
	ExcludeUnhealthy bool
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyPriority,
		MaxRetries:       3,
		RetryDelay:       200 * time.Millisecond,
		ExcludeUnhealthy: true,
	}
}

// Pool is a named collection of providers for one capability.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	providers []*Provider
	rrCursor  int
	rnd       *rand.Rand
}

// New creates a Pool with the given config.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, rnd: rand.New(rand.NewSource(1))}
}

// Add registers a provider, wiring it to its own circuit breaker obtained
// from registry (one breaker per provider id, shared across pools if the
// registry is shared).
func (p *Pool) Add(prov Provider, registry *resilience.Registry) *Provider {
	pp := prov
	if registry != nil {
		pp.breaker = registry.Get(prov.ID)
	}
	p.mu.Lock()
	p.providers = append(p.providers, &pp)
	p.mu.Unlock()
	return &pp
}

// candidates returns the ordered list of providers to try for this call,
// per the pool's configured strategy.
func (p *Pool) candidates(preferred string) []*Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]*Provider, 0, len(p.providers))
	for _, prov := range p.providers {
		if p.cfg.ExcludeUnhealthy && !prov.Healthy() {
			continue
		}
		all = append(all, prov)
	}
	if len(all) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case StrategyPriority:
		sort.SliceStable(all, func(i, j int) bool { return all[i].Priority < all[j].Priority })
	case StrategyLeastLatency:
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Metrics().LastLatency < all[j].Metrics().LastLatency
		})
	case StrategyLeastCost:
		sort.SliceStable(all, func(i, j int) bool { return all[i].CostPerUnit < all[j].CostPerUnit })
	case StrategyRoundRobin:
		n := len(all)
		rotated := make([]*Provider, n)
		for i := 0; i < n; i++ {
			rotated[i] = all[(p.rrCursor+i)%n]
		}
		p.rrCursor = (p.rrCursor + 1) % n
		all = rotated
	case StrategyWeighted:
		all = p.weightedOrder(all)
	case StrategyRandom:
		p.rnd.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	}

	if preferred != "" {
		for i, prov := range all {
			if prov.ID == preferred {
				all[0], all[i] = all[i], all[0]
				break
			}
		}
	}
	return all
}

// weightedOrder draws without replacement, weighted by Weight (minimum 1),
// producing a full ordering biased toward heavier providers.
func (p *Pool) weightedOrder(in []*Provider) []*Provider {
	pool := append([]*Provider(nil), in...)
	out := make([]*Provider, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, prov := range pool {
			w := prov.Weight
			if w < 1 {
				w = 1
			}
			total += w
		}
		pick := p.rnd.Intn(total)
		cursor := 0
		for i, prov := range pool {
			w := prov.Weight
			if w < 1 {
				w = 1
			}
			cursor += w
			if pick < cursor {
				out = append(out, prov)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}

// Execute tries candidates in strategy order, up to MaxRetries providers,
// pausing RetryDelay between attempts. preferred, if non-empty, is tried
// first regardless of strategy.
func (p *Pool) Execute(ctx context.Context, args any, preferred string) (any, error) {
	candidates := p.candidates(preferred)
	if len(candidates) == 0 {
		return nil, ErrNoHealthyProvider
	}

	tries := p.cfg.MaxRetries
	if tries <= 0 || tries > len(candidates) {
		tries = len(candidates)
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		prov := candidates[i]
		result, err := p.attempt(ctx, prov, args)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if i < tries-1 && p.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.RetryDelay):
			}
		}
	}
	return nil, lastErr
}

func (p *Pool) attempt(ctx context.Context, prov *Provider, args any) (any, error) {
	call := func(ctx context.Context) (any, error) {
		start := time.Now()
		result, err := prov.Handler(ctx, args)
		prov.recordResult(time.Since(start), err)
		return result, err
	}

	if prov.breaker == nil {
		return call(ctx)
	}

	var result any
	err := prov.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = call(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteParallel races every healthy candidate concurrently and returns
// the first to succeed, cancelling the rest.
func (p *Pool) ExecuteParallel(ctx context.Context, args any) (any, error) {
	candidates := p.candidates("")
	if len(candidates) == 0 {
		return nil, ErrNoHealthyProvider
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	results := make(chan outcome, len(candidates))

	var wg sync.WaitGroup
	for _, prov := range candidates {
		prov := prov
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.attempt(raceCtx, prov, args)
			select {
			case results <- outcome{result, err}:
			case <-raceCtx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for o := range results {
		if o.err == nil {
			cancel()
			return o.result, nil
		}
		lastErr = o.err
	}
	if lastErr == nil {
		lastErr = ErrNoHealthyProvider
	}
	return nil, lastErr
}

// Providers returns the pool's registered providers, in registration order.
func (p *Pool) Providers() []*Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Provider, len(p.providers))
	copy(out, p.providers)
	return out
}
