package providers

import (
	"fmt"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

// sanitizeToolName rewrites a tool name to match the strict
// ^[a-zA-Z0-9_-]+$ pattern OpenAI and Anthropic enforce. Skill tools use
// dotted names like "skill.summarize", so the dot becomes an underscore.
func sanitizeToolName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// buildToolNameMap maps sanitized names back to the originals so returned
// tool calls can be routed. Two distinct tools normalizing to the same wire
// name would misroute calls, so that fails the whole turn up front.
func buildToolNameMap(provider, model string, tools []models.ToolDefinition) (map[string]string, error) {
	nameMap := make(map[string]string, len(tools))
	for _, t := range tools {
		sanitized := sanitizeToolName(t.Name)
		if existing, ok := nameMap[sanitized]; ok && existing != t.Name {
			err := agent.NewProviderError(provider, model,
				fmt.Errorf("tool name collision: %q and %q both normalize to %q", existing, t.Name, sanitized))
			return nil, err.WithReason(agent.FailoverSchemaCollision)
		}
		nameMap[sanitized] = t.Name
	}
	return nameMap, nil
}

// restoreToolName maps a wire name back to the registered tool name,
// passing unknown names through unchanged.
func restoreToolName(nameMap map[string]string, wireName string) string {
	if original, ok := nameMap[wireName]; ok {
		return original
	}
	return wireName
}
