package agentstore

import (
	"context"
	"testing"
)

func TestMemoryStore_PutThenGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cfg := AgentConfig{AgentID: "agent-1", Name: "Receptionist", SystemPrompt: "be helpful"}
	if err := s.Put(ctx, cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Receptionist" {
		t.Fatalf("expected Name Receptionist, got %q", got.Name)
	}
}

func TestMemoryStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DeleteRemovesAgent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, AgentConfig{AgentID: "agent-1"})
	if err := s.Delete(ctx, "agent-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "agent-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ListReturnsAllAgents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Put(ctx, AgentConfig{AgentID: "a"})
	s.Put(ctx, AgentConfig{AgentID: "b"})

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}
}
