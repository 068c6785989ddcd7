package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// The messages API requires max_tokens; this is the fallback when the
	// request does not set one.
	defaultAnthropicMaxTokens = 4096

	// maxEmptyStreamEvents bounds how many consecutive no-op events a
	// stream may emit before it is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic messages backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider speaks the Anthropic messages streaming protocol.
//
// Two quirks of the wire format are handled here rather than upstream: the
// system prompt lives in a top-level field instead of the message list, and
// tool results are content blocks inside user turns, so consecutive results
// merge into a single user message.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         baseProvider
}

// NewAnthropicProvider builds an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		base:         newBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams one messages call and returns the accumulated result.
// Tool names are normalized for the wire before anything is sent; a
// collision between normalized names fails the turn immediately.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	nameMap, err := buildToolNameMap("anthropic", model, req.Tools)
	if err != nil {
		return nil, err
	}

	params, err := buildAnthropicParams(model, req)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	var completion *agent.Completion
	err = p.base.retry(ctx, retryableReason, func() error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		c, err := p.drainStream(stream, nameMap, model)
		if err != nil {
			return p.wrapError(err, model)
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// buildAnthropicParams assembles the request. System-role history messages
// join the top-level system field; the Anthropic API rejects them inline.
func buildAnthropicParams(model string, req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	system := collectSystemText(req.System, req.Messages)
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// collectSystemText joins the assembled system prompt with any system-role
// messages remaining in history.
func collectSystemText(system string, messages []*models.Message) string {
	parts := make([]string, 0, 1)
	if system != "" {
		parts = append(parts, system)
	}
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// convertAnthropicMessages renders history as alternating user/assistant
// turns. Consecutive tool results collapse into one user message of
// tool_result blocks; assistant tool calls become tool_use blocks carrying
// the normalized wire name.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				msg.IsToolError(),
			))
			continue
		}
		flushResults()

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments for tool call %s: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, sanitizeToolName(tc.Name)))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", def.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, sanitizeToolName(def.Name))
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s: missing tool definition", def.Name)
		}
		toolParam.OfTool.Description = anthropic.String(def.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// drainStream consumes SSE events until message_stop: text deltas append to
// the reply, tool_use blocks accumulate their input JSON fragment by
// fragment and finalize on content_block_stop. Returned tool calls carry
// the registered names again, mapped back through nameMap.
func (p *AnthropicProvider) drainStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], nameMap map[string]string, model string) (*agent.Completion, error) {
	defer stream.Close()

	var (
		text         strings.Builder
		calls        []models.ToolCall
		currentCall  *models.ToolCall
		currentInput strings.Builder
		usage        agent.TokenUsage
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: restoreToolName(nameMap, toolUse.Name),
				}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				currentCall.Arguments = json.RawMessage(input)
				calls = append(calls, *currentCall)
				currentCall = nil
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			return &agent.Completion{
				Text:      text.String(),
				ToolCalls: calls,
				Usage:     usage,
			}, nil

		case "error":
			return nil, agent.NewProviderError("anthropic", model, errors.New("stream error event")).
				WithReason(agent.FailoverProtocol)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, agent.NewProviderError("anthropic", model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents)).
					WithReason(agent.FailoverProtocol)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}

	// Stream ended without message_stop; return what accumulated.
	return &agent.Completion{Text: text.String(), ToolCalls: calls, Usage: usage}, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	// The SDK error's Error() needs a populated request, so build the
	// wrapper directly instead of stringifying the cause.
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped := (&agent.ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   agent.FailoverUnknown,
		}).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					wrapped = wrapped.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					wrapped = wrapped.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if wrapped.Message == "" {
			wrapped.Message = "anthropic request failed"
		}
		if requestID != "" {
			wrapped = wrapped.WithRequestID(requestID)
		}
		return wrapped
	}

	return agent.NewProviderError("anthropic", model, err)
}
