package generation

import (
	"context"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
)

// NormalizeRole maps caller role names onto the two conversation roles the
// backends share.
func NormalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "model":
		return provider.RoleModel
	default:
		return provider.RoleUser
	}
}

// Chat runs a multi-turn conversation through Generate.
func (c *Client) Chat(ctx context.Context, messages []provider.Message, cfg provider.GenerationConfig, candidates route.Candidates) Result {
	normalized := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		normalized = append(normalized, provider.Message{Role: NormalizeRole(m.Role), Content: m.Content})
	}
	return c.Generate(ctx, Request{
		Prompt:     provider.Prompt{Messages: normalized},
		Config:     cfg,
		Candidates: candidates,
	})
}
