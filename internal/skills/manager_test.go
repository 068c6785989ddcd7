package skills

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

type stubTool struct {
	name string
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Description() string { return "stub" }

func (t *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }
func (t *stubTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: "stub"}, nil
}

// TestManagerReload tests that a reload registers directory skills as
// tools and exposes flat skills as prompt context.
func TestManagerReload(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "echo", SkillFilename),
		"---\ndescription: Echo things\n---\nRun echo.")
	writeScript(t, filepath.Join(ws, "echo"), "run.sh", "echo hi\n")
	writeManifest(t, filepath.Join(ws, "quick.md"), "Quick context only.")

	registry := tools.NewRegistry(nil)
	m := NewManager(NewLoader(ws, nil), registry, nil, 0, nil)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !slices.Contains(registry.Names(), "skill.echo") {
		t.Errorf("expected skill.echo registered, got %v", registry.Names())
	}
	if slices.Contains(registry.Names(), "skill.quick") {
		t.Error("flat manifest must not register a tool")
	}

	if len(m.Skills()) != 2 {
		t.Errorf("expected 2 skills, got %d", len(m.Skills()))
	}
	if _, ok := m.Get("echo"); !ok {
		t.Error("expected echo skill to be loaded")
	}
	block := m.PromptBlock()
	if !strings.Contains(block, "### Skill: echo") || !strings.Contains(block, "### Skill: quick") {
		t.Errorf("unexpected prompt block: %q", block)
	}
}

// TestManagerReloadSwap tests that removed skills unregister on the
// next reload.
func TestManagerReloadSwap(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "old", SkillFilename), "Old skill.")
	writeScript(t, filepath.Join(ws, "old"), "run.sh", "echo old\n")

	registry := tools.NewRegistry(nil)
	m := NewManager(NewLoader(ws, nil), registry, nil, 0, nil)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !slices.Contains(registry.Names(), "skill.old") {
		t.Fatalf("expected skill.old registered, got %v", registry.Names())
	}

	if err := os.RemoveAll(filepath.Join(ws, "old")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeManifest(t, filepath.Join(ws, "new", SkillFilename), "New skill.")
	writeScript(t, filepath.Join(ws, "new"), "run.sh", "echo new\n")

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	names := registry.Names()
	if slices.Contains(names, "skill.old") {
		t.Errorf("expected skill.old unregistered, got %v", names)
	}
	if !slices.Contains(names, "skill.new") {
		t.Errorf("expected skill.new registered, got %v", names)
	}
}

// TestManagerReloadCollision tests that a name collision with an
// existing tool skips the skill and keeps the original.
func TestManagerReloadCollision(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "taken", SkillFilename), "Colliding skill.")
	writeScript(t, filepath.Join(ws, "taken"), "run.sh", "echo skill\n")

	registry := tools.NewRegistry(nil)
	if err := registry.Register(&stubTool{name: "skill.taken"}); err != nil {
		t.Fatalf("register stub: %v", err)
	}

	m := NewManager(NewLoader(ws, nil), registry, nil, 0, nil)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, ok := registry.Get("skill.taken")
	if !ok {
		t.Fatal("expected skill.taken to remain registered")
	}
	if got.Description() != "stub" {
		t.Errorf("expected the original tool to survive, got %q", got.Description())
	}

	// The skill itself still loads for prompt context.
	if _, ok := m.Get("taken"); !ok {
		t.Error("expected the skill to be loaded despite the tool collision")
	}

	// A later reload must not unregister the colliding tool.
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if _, ok := registry.Get("skill.taken"); !ok {
		t.Error("expected skill.taken to survive a second reload")
	}
}
