// Package agentstore implements the durable agent-configuration store
// referenced by spec.md §6 ("Persisted state"): a key-value abstraction
// over agent_id, with a Redis-backed implementation and an in-memory
// fallback for development. Grounded on redis/go-redis/v9, the same
// library pkg/cache uses for its remote backend.
package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when an agent_id has no stored configuration.
var ErrNotFound = errors.New("agentstore: agent not found")

// AgentConfig is the durable configuration schema from spec.md §6.
type AgentConfig struct {
	AgentID             string            `json:"agent_id"`
	Name                string            `json:"name"`
	WelcomeMessage      string            `json:"welcome_message"`
	SystemPrompt        string            `json:"system_prompt"`
	STTProvider         string            `json:"stt_provider"`
	LLMProvider         string            `json:"llm_provider"`
	TTSProvider         string            `json:"tts_provider"`
	ProviderParams      map[string]string `json:"provider_params,omitempty"`
	BargeInThreshold    float64           `json:"barge_in_threshold"`
	HangupAfterSilence  time.Duration     `json:"hangup_after_silence"`
}

// Store is the agent-configuration persistence contract.
type Store interface {
	Get(ctx context.Context, agentID string) (AgentConfig, error)
	Put(ctx context.Context, cfg AgentConfig) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]AgentConfig, error)
}

// MemoryStore is a non-durable in-process Store, for development.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]AgentConfig
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]AgentConfig)}
}

func (m *MemoryStore) Get(_ context.Context, agentID string) (AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.agents[agentID]
	if !ok {
		return AgentConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) Put(_ context.Context, cfg AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[cfg.AgentID] = cfg
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentConfig, 0, len(m.agents))
	for _, cfg := range m.agents {
		out = append(out, cfg)
	}
	return out, nil
}

// RedisStore is the durable Store backend.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client, namespacing keys under prefix (e.g.
// "agentstore:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(agentID string) string { return r.prefix + agentID }

func (r *RedisStore) Get(ctx context.Context, agentID string) (AgentConfig, error) {
	raw, err := r.client.Get(ctx, r.key(agentID)).Bytes()
	if err == redis.Nil {
		return AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return AgentConfig{}, err
	}
	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (r *RedisStore) Put(ctx context.Context, cfg AgentConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(cfg.AgentID), raw, 0).Err()
}

func (r *RedisStore) Delete(ctx context.Context, agentID string) error {
	return r.client.Del(ctx, r.key(agentID)).Err()
}

func (r *RedisStore) List(ctx context.Context) ([]AgentConfig, error) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	var out []AgentConfig
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var cfg AgentConfig
		if err := json.Unmarshal(raw, &cfg); err == nil {
			out = append(out, cfg)
		}
	}
	return out, iter.Err()
}
