package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	defaultResponsesBaseURL = "https://api.openai.com/v1"

	// ChatGPT OAuth tokens are only valid against the ChatGPT backend,
	// which also requires streaming and the account-id header.
	chatgptResponsesBaseURL = "https://chatgpt.com/backend-api/codex"

	// responsesOriginator identifies the client flavor to the backend.
	responsesOriginator = "codex_cli_rs"
)

// ResponsesConfig configures the OpenAI Responses backend.
type ResponsesConfig struct {
	// Name is the preset the provider was built from. Used in errors.
	Name string

	// APIKey is an API key or an OAuth access token.
	APIKey string

	BaseURL      string
	DefaultModel string

	// AccountID is the ChatGPT account the token belongs to. Setting it
	// switches the default base URL to the ChatGPT backend.
	AccountID string

	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// ResponsesProvider speaks the OpenAI Responses protocol: system text goes
// in a top-level instructions field, tool traffic travels as function_call
// and function_call_output input items, and the ChatGPT backend streams SSE
// whose response.completed event carries the full output array.
type ResponsesProvider struct {
	name         string
	client       *http.Client
	baseURL      string
	apiKey       string
	accountID    string
	defaultModel string
	base         baseProvider
}

// NewResponsesProvider builds a Responses provider.
func NewResponsesProvider(cfg ResponsesConfig) *ResponsesProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultResponsesBaseURL
	}
	if cfg.AccountID != "" && baseURL == defaultResponsesBaseURL {
		baseURL = chatgptResponsesBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ResponsesProvider{
		name:         name,
		client:       client,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		accountID:    cfg.AccountID,
		defaultModel: cfg.DefaultModel,
		base:         newBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay),
	}
}

// Name returns the preset name the provider was built from.
func (p *ResponsesProvider) Name() string { return p.name }

func (p *ResponsesProvider) chatgptBackend() bool {
	return p.baseURL == chatgptResponsesBaseURL
}

type responsesRequest struct {
	Model        string           `json:"model"`
	Instructions string           `json:"instructions,omitempty"`
	Input        []map[string]any `json:"input"`
	Tools        []responsesTool  `json:"tools,omitempty"`
	Store        bool             `json:"store"`
	Stream       bool             `json:"stream,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responsesResponse struct {
	Output []responsesOutputItem `json:"output"`
}

type responsesOutputItem struct {
	Type      string             `json:"type"`
	Content   []responsesContent `json:"content,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Arguments string             `json:"arguments,omitempty"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Complete sends one Responses call and returns the terminal output.
func (p *ResponsesProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	nameMap, err := buildToolNameMap(p.name, model, req.Tools)
	if err != nil {
		return nil, err
	}

	payload := responsesRequest{
		Model:        model,
		Instructions: collectSystemText(req.System, req.Messages),
		Input:        convertResponsesInput(req.Messages),
		Store:        false,
		Stream:       p.chatgptBackend(),
	}
	for _, def := range req.Tools {
		schema := def.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		payload.Tools = append(payload.Tools, responsesTool{
			Type:        "function",
			Name:        sanitizeToolName(def.Name),
			Description: def.Description,
			Parameters:  schema,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, agent.NewProviderError(p.name, model, fmt.Errorf("marshal request: %w", err))
	}

	var completion *agent.Completion
	err = p.base.retry(ctx, retryableReason, func() error {
		c, err := p.send(ctx, model, body, nameMap, payload.Stream)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (p *ResponsesProvider) send(ctx context.Context, model string, body []byte, nameMap map[string]string, stream bool) (*agent.Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, agent.NewProviderError(p.name, model, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("originator", responsesOriginator)
	if p.accountID != "" {
		httpReq.Header.Set("chatgpt-account-id", p.accountID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, agent.NewProviderError(p.name, model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agent.NewProviderError(p.name, model, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, p.apiError(model, resp.StatusCode, raw)
	}

	var parsed responsesResponse
	if stream {
		parsed, err = parseSSEResponse(raw)
		if err != nil {
			return nil, agent.NewProviderError(p.name, model, err).WithReason(agent.FailoverProtocol)
		}
	} else {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, agent.NewProviderError(p.name, model,
				fmt.Errorf("decode response: %w; body: %s", err, clipBody(raw, 200))).
				WithReason(agent.FailoverProtocol)
		}
	}
	return completionFromResponsesOutput(parsed, nameMap), nil
}

// apiError extracts a readable message from an error body. The public API
// reports {"error":{"message":...}}; the ChatGPT backend uses {"detail":...}.
func (p *ResponsesProvider) apiError(model string, status int, body []byte) error {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error.Message != "" {
			msg = payload.Error.Message
		} else if payload.Detail != "" {
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = clipBody(body, 500)
	}
	return agent.NewProviderError(p.name, model, fmt.Errorf("responses request failed: %s", msg)).
		WithStatus(status)
}

// convertResponsesInput renders history as Responses input items. System
// messages are skipped here; they travel in the instructions field.
func convertResponsesInput(messages []*models.Message) []map[string]any {
	input := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:

		case models.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				for _, tc := range msg.ToolCalls {
					input = append(input, map[string]any{
						"type":      "function_call",
						"call_id":   tc.ID,
						"name":      sanitizeToolName(tc.Name),
						"arguments": string(tc.Arguments),
					})
				}
			} else {
				input = append(input, map[string]any{
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": msg.Content},
					},
				})
			}

		case models.RoleTool:
			callID := msg.ToolCallID
			if callID == "" {
				callID = "unknown"
			}
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": callID,
				"output":  msg.Content,
			})

		default:
			input = append(input, map[string]any{
				"role":    "user",
				"content": msg.Content,
			})
		}
	}
	return input
}

// completionFromResponsesOutput reduces the output array to the terminal
// value. Function calls win over message text; their wire names map back to
// the registered tool names.
func completionFromResponsesOutput(resp responsesResponse, nameMap map[string]string) *agent.Completion {
	var calls []models.ToolCall
	var texts []string
	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			args := json.RawMessage(item.Arguments)
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, models.ToolCall{
				ID:        item.CallID,
				Name:      restoreToolName(nameMap, item.Name),
				Arguments: args,
			})
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					texts = append(texts, c.Text)
				}
			}
		}
	}
	if len(calls) > 0 {
		return &agent.Completion{ToolCalls: calls}
	}
	return &agent.Completion{Text: strings.Join(texts, "")}
}

// parseSSEResponse extracts the terminal response object from a buffered
// SSE body. The data of the last response.completed event wins; when no
// such event parses, any data line carrying an output array is accepted.
func parseSSEResponse(body []byte) (responsesResponse, error) {
	var lastData string
	var currentEvent string
	var dataLines []string

	flush := func() {
		if currentEvent == "response.completed" && len(dataLines) > 0 {
			lastData = strings.Join(dataLines, "\n")
		}
		currentEvent = ""
		dataLines = dataLines[:0]
	}

	lines := strings.Split(string(body), "\n")
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if eventType, ok := strings.CutPrefix(line, "event: "); ok {
			currentEvent = strings.TrimSpace(eventType)
			dataLines = dataLines[:0]
		} else if data, ok := strings.CutPrefix(line, "data: "); ok {
			dataLines = append(dataLines, strings.TrimSpace(data))
		} else if line == "" {
			flush()
		}
	}
	flush()

	if lastData != "" {
		if resp, ok := decodeResponsesPayload([]byte(lastData)); ok {
			return resp, nil
		}
	}

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if resp, ok := decodeResponsesPayload([]byte(strings.TrimSpace(data))); ok {
			return resp, nil
		}
	}

	return responsesResponse{}, fmt.Errorf("no terminal response in SSE stream; body: %s", clipBody(body, 300))
}

// decodeResponsesPayload accepts both the {"response":{...}} wrapper and a
// bare response object, requiring an output array either way.
func decodeResponsesPayload(data []byte) (responsesResponse, bool) {
	var probe struct {
		Response json.RawMessage `json:"response"`
		Output   json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return responsesResponse{}, false
	}

	payload := data
	if len(probe.Response) > 0 && string(probe.Response) != "null" {
		payload = probe.Response
		var inner struct {
			Output json.RawMessage `json:"output"`
		}
		if json.Unmarshal(payload, &inner) != nil || len(inner.Output) == 0 {
			return responsesResponse{}, false
		}
	} else if len(probe.Output) == 0 {
		return responsesResponse{}, false
	}

	var resp responsesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return responsesResponse{}, false
	}
	return resp, true
}

func clipBody(body []byte, limit int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
