package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/valet/pkg/models"
)

// fakeTool is a configurable Tool for registry and executor tests.
type fakeTool struct {
	name    string
	desc    string
	schema  string
	execute func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.desc }

func (f *fakeTool) Schema() json.RawMessage {
	if f.schema == "" {
		return nil
	}
	return json.RawMessage(f.schema)
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return textResult("ok"), nil
}

func echoSchema() string {
	return `{
		"type": "object",
		"properties": {
			"text": {"type": "string"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`
}

// TestRegistryRegister tests registration constraints.
func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(&fakeTool{name: "echo", schema: echoSchema()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Register(&fakeTool{name: "echo"}); err == nil {
		t.Error("expected duplicate registration to fail")
	} else if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("expected already registered error, got %v", err)
	}

	if err := r.Register(&fakeTool{name: ""}); err == nil {
		t.Error("expected empty name to fail")
	}

	if err := r.Register(&fakeTool{name: strings.Repeat("a", MaxToolNameLength+1)}); err == nil {
		t.Error("expected oversized name to fail")
	}

	if err := r.Register(&fakeTool{name: "broken", schema: `{not json`}); err == nil {
		t.Error("expected invalid schema to fail")
	}

	if _, ok := r.Get("echo"); !ok {
		t.Error("expected echo to be registered")
	}
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Error("expected echo to be gone after unregister")
	}
}

// TestRegistryDefinitions tests the sorted provider-facing snapshot.
func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&fakeTool{name: name, desc: "does " + name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if defs[i].Name != want {
			t.Errorf("expected %s at index %d, got %s", want, i, defs[i].Name)
		}
	}
	if defs[0].Description != "does alpha" {
		t.Errorf("expected description, got %q", defs[0].Description)
	}

	names := r.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

// TestRegistryExecute tests dispatch and the error-result contract.
func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&fakeTool{
		name:   "echo",
		schema: echoSchema(),
		execute: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return textResult(in.Text), nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("success fills call id and name", func(t *testing.T) {
		res := r.Execute(context.Background(), &models.ToolCall{
			ID:        "call_1",
			Name:      "echo",
			Arguments: json.RawMessage(`{"text":"hi"}`),
		})
		if res.IsError {
			t.Fatalf("unexpected error result: %s", res.Content)
		}
		if res.Content != "hi" {
			t.Errorf("expected hi, got %q", res.Content)
		}
		if res.ToolCallID != "call_1" || res.ToolName != "echo" {
			t.Errorf("expected identity filled, got %q %q", res.ToolCallID, res.ToolName)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := r.Execute(context.Background(), &models.ToolCall{ID: "c", Name: "nope"})
		if !res.IsError {
			t.Fatal("expected error result")
		}
		if !strings.Contains(res.Content, "tool not found: nope") {
			t.Errorf("expected not found message, got %q", res.Content)
		}
		if res.Metadata["error_kind"] != "invalid_arguments" {
			t.Errorf("expected invalid_arguments, got %q", res.Metadata["error_kind"])
		}
	})

	t.Run("oversized name", func(t *testing.T) {
		res := r.Execute(context.Background(), &models.ToolCall{
			ID:   "c",
			Name: strings.Repeat("x", MaxToolNameLength+1),
		})
		if !res.IsError || !strings.Contains(res.Content, "maximum length") {
			t.Errorf("expected length error, got %q", res.Content)
		}
	})

	t.Run("oversized arguments", func(t *testing.T) {
		big := fmt.Sprintf(`{"text":%q}`, strings.Repeat("a", MaxToolParamsSize))
		res := r.Execute(context.Background(), &models.ToolCall{
			ID:        "c",
			Name:      "echo",
			Arguments: json.RawMessage(big),
		})
		if !res.IsError || !strings.Contains(res.Content, "maximum size") {
			t.Errorf("expected size error, got %q", res.Content)
		}
	})

	t.Run("schema rejects bad arguments", func(t *testing.T) {
		res := r.Execute(context.Background(), &models.ToolCall{
			ID:        "c",
			Name:      "echo",
			Arguments: json.RawMessage(`{"wrong":true}`),
		})
		if !res.IsError {
			t.Fatal("expected error result")
		}
		if !strings.Contains(res.Content, "Invalid arguments") {
			t.Errorf("expected validation message, got %q", res.Content)
		}
		if res.Metadata["error_kind"] != "invalid_arguments" {
			t.Errorf("expected invalid_arguments, got %q", res.Metadata["error_kind"])
		}
	})

	t.Run("malformed arguments json", func(t *testing.T) {
		res := r.Execute(context.Background(), &models.ToolCall{
			ID:        "c",
			Name:      "echo",
			Arguments: json.RawMessage(`{broken`),
		})
		if !res.IsError || !strings.Contains(res.Content, "Invalid arguments") {
			t.Errorf("expected validation message, got %q", res.Content)
		}
	})
}

// TestRegistryExecuteToolFailures tests conversion of tool Go errors and
// nil results into error results.
func TestRegistryExecuteToolFailures(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&fakeTool{
		name: "boom",
		execute: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
			return nil, errors.New("internal explosion")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeTool{
		name: "nilly",
		execute: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), &models.ToolCall{ID: "c1", Name: "boom"})
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, "internal explosion") {
		t.Errorf("expected cause in content, got %q", res.Content)
	}
	if res.Metadata["error_kind"] != "internal" {
		t.Errorf("expected internal kind, got %q", res.Metadata["error_kind"])
	}
	if res.ToolCallID != "c1" {
		t.Errorf("expected call id, got %q", res.ToolCallID)
	}

	res = r.Execute(context.Background(), &models.ToolCall{ID: "c2", Name: "nilly"})
	if !res.IsError || !strings.Contains(res.Content, "no result") {
		t.Errorf("expected no result error, got %q", res.Content)
	}
}

// TestRegistryExecuteCallID tests that the call ID reaches the tool
// through the context.
func TestRegistryExecuteCallID(t *testing.T) {
	r := NewRegistry(nil)
	var seen string
	if err := r.Register(&fakeTool{
		name: "probe",
		execute: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
			seen = CallIDFrom(ctx)
			return textResult("ok"), nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Execute(context.Background(), &models.ToolCall{ID: "call_42", Name: "probe"})
	if seen != "call_42" {
		t.Errorf("expected call_42 in context, got %q", seen)
	}
}
