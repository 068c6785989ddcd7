// Package tools implements the tool registry, the bounded executor, and
// the built-in tools the agent can invoke: host shell execution, screen
// capture, browser automation, and sandboxed container execution.
//
// Tools never surface Go errors to the agent loop. Every failure becomes
// an error ToolResult so the model can read it and react; the ToolError
// taxonomy in errors.go rides along in result metadata.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/valet/pkg/models"
)

// Tool is the interface implemented by everything the agent can invoke.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON arguments. The arguments
	// have already been validated against Schema. Domain failures are
	// reported as error results; a Go error means the tool itself broke.
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

// Definition returns the schema advertised to model providers for t.
func Definition(t Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema(),
	}
}

type callIDKey struct{}

// WithCallID returns a context carrying the tool call ID. The registry
// sets it before dispatch so tools that bind resources to the call (the
// sandbox task credential, container names) can reach it.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFrom returns the tool call ID carried by the context, if any.
func CallIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func textResult(content string) *models.ToolResult {
	return &models.ToolResult{Content: content}
}

func errorResult(msg string) *models.ToolResult {
	return &models.ToolResult{Content: msg, IsError: true}
}

// jsonResult marshals v as the result content.
func jsonResult(v any) *models.ToolResult {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to encode output: %v", err))
	}
	return textResult(string(encoded))
}
