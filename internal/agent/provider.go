package agent

import (
	"context"

	"github.com/haasonsaas/valet/pkg/models"
)

// Provider is a single model backend. Implementations live in the providers
// package and speak one wire protocol each (Anthropic messages, OpenAI chat
// completions, the OpenAI Responses event stream, Gemini, Bedrock Converse).
//
// Complete runs one model call to completion. Streaming wire formats are
// accumulated inside the provider; callers only ever see the terminal value.
// Cancellation and the per-call deadline arrive through ctx.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic" or "openai".
	Name() string

	// Complete sends the conversation and returns the model's final output.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// CompletionRequest is the provider-neutral form of one model call.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// System is the assembled system prompt. Providers place it wherever
	// their wire format wants it (top-level field, first message,
	// instructions). History may additionally contain system-role
	// messages; providers fold those in the same way.
	System string

	// Messages is the sanitized conversation history, oldest first.
	// Tool results appear as role "tool" messages carrying ToolCallID.
	Messages []*models.Message

	// Tools lists the callable tool schemas for this turn.
	Tools []models.ToolDefinition

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Completion is the terminal value of one model call. ToolCalls non-empty
// means the model wants tools executed before it can answer; otherwise Text
// is the reply. Calls are ordered as the model emitted them.
type Completion struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     TokenUsage
}

// TokenUsage carries token counts when the wire format reports them.
// Zero values mean the provider did not report usage.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}
