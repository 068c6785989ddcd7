package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/valet/pkg/models"
)

// Tool call limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and
// lookup. Argument schemas are compiled once at registration and applied
// to every dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool to the registry by its name. Registering a name
// twice is an error; callers that replace tools unregister first.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	schema, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	r.schemas[name] = schema
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the registered tools as provider-facing schemas,
// sorted by name so the tool list presented to the model is stable.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition(t))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches a tool call. Unknown tools, oversized requests, and
// invalid arguments all produce error results rather than Go errors, so
// the model can read the failure and correct itself.
func (r *Registry) Execute(ctx context.Context, call *models.ToolCall) *models.ToolResult {
	if len(call.Name) > MaxToolNameLength {
		msg := fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
		return NewToolError(ErrorInvalidArguments, call.Name, msg).WithCallID(call.ID).Result()
	}
	if len(call.Arguments) > MaxToolParamsSize {
		msg := fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize)
		return NewToolError(ErrorInvalidArguments, call.Name, msg).WithCallID(call.ID).Result()
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if !ok {
		return NewToolError(ErrorInvalidArguments, call.Name, "tool not found: "+call.Name).
			WithCallID(call.ID).Result()
	}

	if schema != nil {
		if err := validateArgs(schema, call.Arguments); err != nil {
			return NewToolError(ErrorInvalidArguments, call.Name, fmt.Sprintf("Invalid arguments: %v", err)).
				WithCallID(call.ID).Result()
		}
	}

	res, err := tool.Execute(WithCallID(ctx, call.ID), call.Arguments)
	if err != nil {
		r.logger.Error("tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return WrapErr(call.Name, err).WithCallID(call.ID).Result()
	}
	if res == nil {
		return NewToolError(ErrorInternal, call.Name, "tool returned no result").
			WithCallID(call.ID).Result()
	}
	res.ToolCallID = call.ID
	if res.ToolName == "" {
		res.ToolName = call.Name
	}
	return res
}
