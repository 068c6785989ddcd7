package providers

import (
	"testing"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

// TestSanitizeToolName tests wire-name normalization.
func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain name unchanged", "shell", "shell"},
		{"underscores and dashes kept", "get_weather-v2", "get_weather-v2"},
		{"dotted skill name", "skill.summarize", "skill_summarize"},
		{"multiple dots", "a.b.c", "a_b_c"},
		{"spaces replaced", "my tool", "my_tool"},
		{"unicode replaced", "héllo", "h__llo"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeToolName(tt.in)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestBuildToolNameMap tests the sanitized-to-original mapping.
func TestBuildToolNameMap(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "shell"},
		{Name: "skill.summarize"},
	}
	nameMap, err := buildToolNameMap("anthropic", "claude", tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nameMap["shell"] != "shell" {
		t.Errorf("expected shell mapped to itself, got %q", nameMap["shell"])
	}
	if nameMap["skill_summarize"] != "skill.summarize" {
		t.Errorf("expected skill_summarize mapped to skill.summarize, got %q", nameMap["skill_summarize"])
	}
}

// TestBuildToolNameMapCollision tests that colliding normalized names fail
// the turn with a schema collision.
func TestBuildToolNameMapCollision(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "skill.run"},
		{Name: "skill_run"},
	}
	_, err := buildToolNameMap("openai", "gpt-4o", tools)
	if err == nil {
		t.Fatal("expected error for colliding names")
	}
	if got := agent.ReasonOf(err); got != agent.FailoverSchemaCollision {
		t.Errorf("expected schema_collision, got %v", got)
	}
}

// TestBuildToolNameMapDuplicate tests that the same tool listed twice is
// not treated as a collision.
func TestBuildToolNameMapDuplicate(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "shell"},
		{Name: "shell"},
	}
	if _, err := buildToolNameMap("openai", "gpt-4o", tools); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestRestoreToolName tests wire-to-registered name mapping.
func TestRestoreToolName(t *testing.T) {
	nameMap := map[string]string{"skill_summarize": "skill.summarize"}

	if got := restoreToolName(nameMap, "skill_summarize"); got != "skill.summarize" {
		t.Errorf("expected skill.summarize, got %q", got)
	}
	if got := restoreToolName(nameMap, "unknown_tool"); got != "unknown_tool" {
		t.Errorf("expected pass-through for unknown name, got %q", got)
	}
}
