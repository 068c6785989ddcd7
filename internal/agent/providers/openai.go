package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions backend.
type OpenAIConfig struct {
	// Name is the preset the provider was built from ("openai",
	// "together", "ollama", "openrouter", "custom"). Used in errors.
	Name string

	APIKey string

	// BaseURL overrides api.openai.com for compatible servers.
	BaseURL string

	DefaultModel string

	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIProvider speaks the chat-completions streaming protocol. Besides
// OpenAI itself it serves every compatible preset through BaseURL.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	defaultModel string
	base         baseProvider
}

// NewOpenAIProvider builds a chat-completions provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAIProvider{
		name:         name,
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         newBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay),
	}
}

// Name returns the preset name the provider was built from.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete streams one chat completion and returns the accumulated result.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	nameMap, err := buildToolNameMap(p.name, model, req.Tools)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var completion *agent.Completion
	err = p.base.retry(ctx, retryableReason, func() error {
		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		defer stream.Close()

		c, err := p.drainStream(ctx, stream, nameMap)
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

// drainStream consumes the SSE stream to EOF, appending text deltas and
// assembling tool calls. The wire fragments each call across chunks: the
// first carries ID and name, later ones append argument JSON, all keyed by
// the call's index so parallel calls interleave safely.
func (p *OpenAIProvider) drainStream(ctx context.Context, stream *openai.ChatCompletionStream, nameMap map[string]string) (*agent.Completion, error) {
	var text strings.Builder
	calls := make(map[int]*models.ToolCall)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				ordered := orderedToolCalls(calls)
				for i := range ordered {
					ordered[i].Name = restoreToolName(nameMap, ordered[i].Name)
				}
				return &agent.Completion{
					Text:      text.String(),
					ToolCalls: ordered,
				}, nil
			}
			return nil, err
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &models.ToolCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Arguments = append(call.Arguments, tc.Function.Arguments...)
			}
		}
	}
}

// orderedToolCalls flattens accumulated calls in stream-index order,
// dropping fragments that never received an ID or name.
func orderedToolCalls(byIndex map[int]*models.ToolCall) []models.ToolCall {
	if len(byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]models.ToolCall, 0, len(byIndex))
	for _, i := range indexes {
		call := byIndex[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		}
		out = append(out, *call)
	}
	return out
}

// convertOpenAIMessages renders history in chat-completions form. The system
// prompt becomes the first message; each tool result is its own message with
// role "tool" linked by ToolCallID.
func convertOpenAIMessages(system string, messages []*models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      sanitizeToolName(tc.Name),
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, userOpenAIMessage(msg))
		}
	}
	return result
}

// userOpenAIMessage renders a user message, switching to the multi-content
// vision form when image attachments are present.
func userOpenAIMessage(msg *models.Message) openai.ChatCompletionMessage {
	oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}

	hasImages := false
	for _, att := range msg.Attachments {
		if att.Type == "image" {
			hasImages = true
			break
		}
	}
	if !hasImages {
		oaiMsg.Content = msg.Content
		return oaiMsg
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Attachments)+1)
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	oaiMsg.MultiContent = parts
	return oaiMsg
}

// convertOpenAITools maps tool definitions to function declarations. A tool
// with an unparsable schema degrades to an empty object schema rather than
// failing the request for every other tool.
func convertOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, def := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        sanitizeToolName(def.Name),
				Description: def.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
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
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := agent.NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			wrapped = wrapped.WithMessage(apiErr.Message)
		}
		return wrapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return agent.NewProviderError(p.name, model, fmt.Errorf("chat completion: %w", err))
}
