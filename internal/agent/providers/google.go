package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/agent/toolconv"
	"github.com/haasonsaas/valet/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GoogleConfig configures the Gemini backend.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// GoogleProvider speaks the Gemini streaming protocol. The wire format has
// no tool-call IDs, so IDs are minted client-side and tool results travel
// back as named function responses.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         baseProvider
}

// NewGoogleProvider builds a Gemini provider.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         newBaseProvider("google", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// Complete streams one generation and returns the accumulated result.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, agent.NewProviderError("google", model, err)
	}
	config := buildGeminiConfig(req)

	var completion *agent.Completion
	err = p.base.retry(ctx, retryableReason, func() error {
		stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		c, err := p.drainStream(ctx, stream)
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

func (p *GoogleProvider) drainStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error]) (*agent.Completion, error) {
	var text strings.Builder
	var calls []models.ToolCall

	for resp, err := range stream {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte(`{}`)
					}
					calls = append(calls, models.ToolCall{
						ID:        newGeminiCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					})
				}
			}
		}
	}
	return &agent.Completion{Text: text.String(), ToolCalls: calls}, nil
}

// convertGeminiMessages renders history as Gemini contents. Assistant turns
// map to the model role; tool results become function responses on the user
// side, keyed by tool name.
func convertGeminiMessages(messages []*models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{
					"result": msg.Content,
					"error":  msg.IsToolError(),
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     geminiToolName(msg, messages),
					Response: response,
				},
			})
		} else if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			part, err := geminiAttachmentPart(att)
			if err != nil {
				continue
			}
			content.Parts = append(content.Parts, part)
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

// geminiAttachmentPart converts an image attachment. Base64 data URLs become
// inline blobs; other URLs pass through as file references.
func geminiAttachmentPart(att models.Attachment) (*genai.Part, error) {
	if strings.HasPrefix(att.URL, "data:") {
		header, payload, ok := strings.Cut(att.URL, ",")
		if !ok {
			return nil, errors.New("invalid data URL")
		}
		mimeType := strings.TrimPrefix(header, "data:")
		if semi := strings.Index(mimeType, ";"); semi >= 0 {
			mimeType = mimeType[:semi]
		}
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data URL: %w", err)
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: att.MimeType}}, nil
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := collectSystemText(req.System, req.Messages); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.MaxTokens > 0 && req.MaxTokens <= 1<<31-1 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

// newGeminiCallID mints a call ID for a wire format that has none.
func newGeminiCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// geminiToolName recovers the function name for a tool result: the recorded
// tool name when present, otherwise the matching call in history, otherwise
// the name embedded in a minted "call_<name>_<nanos>" ID.
func geminiToolName(msg *models.Message, messages []*models.Message) string {
	if msg.ToolName != "" {
		return msg.ToolName
	}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == msg.ToolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(msg.ToolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func (p *GoogleProvider) wrapError(err error, model string) error {
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

	wrapped := agent.NewProviderError("google", model, err)

	// The SDK reports gRPC-flavored failures as strings; map the common
	// ones onto HTTP statuses for classification.
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		wrapped = wrapped.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		wrapped = wrapped.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		wrapped = wrapped.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		wrapped = wrapped.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		wrapped = wrapped.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		wrapped = wrapped.WithStatus(http.StatusServiceUnavailable)
	}
	return wrapped
}
