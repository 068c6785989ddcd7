package toolconv

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/valet/pkg/models"
)

func TestToGeminiTools(t *testing.T) {
	defs := []models.ToolDefinition{
		{
			Name:        "search",
			Description: "Search tool",
			Schema:      json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
		{
			Name:   "broken",
			Schema: json.RawMessage(`{not-json}`),
		},
	}

	tools := ToGeminiTools(defs)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool group, got %d", len(tools))
	}
	decls := tools[0].FunctionDeclarations
	if len(decls) != 1 {
		t.Fatalf("expected broken schema skipped, got %d declarations", len(decls))
	}
	if decls[0].Name != "search" || decls[0].Description != "Search tool" {
		t.Fatalf("unexpected declaration: %+v", decls[0])
	}
	if decls[0].Parameters == nil || decls[0].Parameters.Type != genai.TypeObject {
		t.Fatalf("unexpected parameters: %+v", decls[0].Parameters)
	}
}

func TestToGeminiToolsEmpty(t *testing.T) {
	if ToGeminiTools(nil) != nil {
		t.Error("expected nil for no tools")
	}
	broken := []models.ToolDefinition{{Name: "x", Schema: json.RawMessage(`nope`)}}
	if ToGeminiTools(broken) != nil {
		t.Error("expected nil when every schema is unparsable")
	}
}

func TestToGeminiSchema(t *testing.T) {
	var schemaMap map[string]any
	raw := `{
		"type": "object",
		"description": "Query options",
		"properties": {
			"mode": {"type": "string", "enum": ["fast", "full"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["mode"]
	}`
	if err := json.Unmarshal([]byte(raw), &schemaMap); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	schema := ToGeminiSchema(schemaMap)
	if schema.Type != genai.TypeObject {
		t.Errorf("expected OBJECT type, got %v", schema.Type)
	}
	if schema.Description != "Query options" {
		t.Errorf("unexpected description: %q", schema.Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "mode" {
		t.Errorf("unexpected required: %v", schema.Required)
	}

	mode := schema.Properties["mode"]
	if mode == nil || mode.Type != genai.TypeString {
		t.Fatalf("unexpected mode property: %+v", mode)
	}
	if len(mode.Enum) != 2 || mode.Enum[0] != "fast" {
		t.Errorf("unexpected enum: %v", mode.Enum)
	}

	tags := schema.Properties["tags"]
	if tags == nil || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Fatalf("unexpected tags property: %+v", tags)
	}

	if ToGeminiSchema(nil) != nil {
		t.Error("expected nil for nil schema map")
	}
}
