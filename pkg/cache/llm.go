package cache

import (
	"context"
	"strings"
	"time"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/orchestrator"
)

// CachedLLM wraps an orchestrator.LLMProvider with the normalized-prompt
// cache (C5), per spec.md §8 S4: a repeated turn should resolve from Cache
// rather than calling the provider, incrementing the hit counter and
// keeping the LLM-streaming leg of the turn near-instant.
type CachedLLM struct {
	Provider orchestrator.LLMProvider
	Cache    *Cache
	Model    string
}

func (c *CachedLLM) Name() string { return c.Provider.Name() }

// Complete checks the cache before calling the wrapped provider, and
// populates it afterward on a miss.
func (c *CachedLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	system, user := splitPrompt(messages)

	if cached, hit, err := c.Cache.Get(ctx, c.Model, system, user); err == nil && hit {
		return cached, nil
	}

	start := time.Now()
	response, err := c.Provider.Complete(ctx, messages)
	if err != nil {
		return "", err
	}

	_ = c.Cache.Set(ctx, c.Model, system, user, response,
		estimateTokens(user), estimateTokens(response), time.Since(start))
	return response, nil
}

// StreamComplete only benefits from the cache on a hit, where it replays
// the whole cached response as a single token instead of calling the
// wrapped provider at all; on a miss it streams straight through and
// populates the cache from the assembled response.
func (c *CachedLLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onToken func(string) error) error {
	system, user := splitPrompt(messages)

	if cached, hit, err := c.Cache.Get(ctx, c.Model, system, user); err == nil && hit {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cached == "" {
			return nil
		}
		return onToken(cached)
	}

	start := time.Now()
	var response strings.Builder
	streamer, ok := c.Provider.(orchestrator.StreamingLLMProvider)
	var err error
	if ok {
		err = streamer.StreamComplete(ctx, messages, func(token string) error {
			response.WriteString(token)
			return onToken(token)
		})
	} else {
		var text string
		text, err = c.Provider.Complete(ctx, messages)
		if err == nil {
			response.WriteString(text)
			err = onToken(text)
		}
	}
	if err != nil {
		return err
	}

	_ = c.Cache.Set(ctx, c.Model, system, user, response.String(),
		estimateTokens(user), estimateTokens(response.String()), time.Since(start))
	return nil
}

var _ orchestrator.LLMProvider = (*CachedLLM)(nil)
var _ orchestrator.StreamingLLMProvider = (*CachedLLM)(nil)

// splitPrompt separates the accumulated system-role content from the rest
// of the turn's messages, matching Key's (model, systemPrompt, userPrompt)
// shape.
func splitPrompt(messages []orchestrator.Message) (system, user string) {
	var sys, rest []string
	for _, m := range messages {
		if m.Role == "system" {
			sys = append(sys, m.Content)
		} else {
			rest = append(rest, m.Content)
		}
	}
	return strings.Join(sys, "\n"), strings.Join(rest, "\n")
}

// estimateTokens is the same len/4 heuristic pipeline.go uses for turns
// lacking a real token count from the provider.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
