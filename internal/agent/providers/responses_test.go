package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

func newTestResponsesProvider(baseURL, accountID string) *ResponsesProvider {
	return NewResponsesProvider(ResponsesConfig{
		APIKey:       "test-token",
		BaseURL:      baseURL,
		DefaultModel: "gpt-4o",
		AccountID:    accountID,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
	})
}

// TestNewResponsesProviderBaseURL tests the ChatGPT backend switch.
func TestNewResponsesProviderBaseURL(t *testing.T) {
	tests := []struct {
		name       string
		config     ResponsesConfig
		wantURL    string
		wantStream bool
	}{
		{
			name:    "default base",
			config:  ResponsesConfig{APIKey: "k"},
			wantURL: defaultResponsesBaseURL,
		},
		{
			name:       "account id switches to chatgpt backend",
			config:     ResponsesConfig{APIKey: "k", AccountID: "acct_1"},
			wantURL:    chatgptResponsesBaseURL,
			wantStream: true,
		},
		{
			name:    "explicit base wins over account id",
			config:  ResponsesConfig{APIKey: "k", AccountID: "acct_1", BaseURL: "http://localhost:9/v1/"},
			wantURL: "http://localhost:9/v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewResponsesProvider(tt.config)
			if p.baseURL != tt.wantURL {
				t.Errorf("expected base URL %q, got %q", tt.wantURL, p.baseURL)
			}
			if p.chatgptBackend() != tt.wantStream {
				t.Errorf("expected chatgptBackend=%v", tt.wantStream)
			}
		})
	}
}

// TestResponsesCompleteText tests a full non-streaming round trip.
func TestResponsesCompleteText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("expected /responses path, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("originator"); got != responsesOriginator {
			t.Errorf("expected originator header, got %q", got)
		}
		if got := r.Header.Get("chatgpt-account-id"); got != "" {
			t.Errorf("expected no account header without account ID, got %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %v", body["model"])
		}
		if body["store"] != false {
			t.Error("expected store=false")
		}
		if body["instructions"] != "You are valet." {
			t.Errorf("expected instructions, got %v", body["instructions"])
		}
		if _, ok := body["stream"]; ok {
			t.Error("expected stream omitted for the public API")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"Hello"},{"type":"output_text","text":" there"}]}]}`)
	}))
	defer server.Close()

	provider := newTestResponsesProvider(server.URL, "")
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:   "You are valet.",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Text != "Hello there" {
		t.Errorf("expected 'Hello there', got %q", completion.Text)
	}
}

// TestResponsesCompleteToolCalls tests tool wiring: sanitized names out,
// registered names back in.
func TestResponsesCompleteToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tools []responsesTool  `json:"tools"`
			Input []map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Tools) != 1 || body.Tools[0].Name != "skill_fetch" {
			t.Errorf("expected sanitized tool name skill_fetch, got %+v", body.Tools)
		}
		if len(body.Input) != 3 {
			t.Fatalf("expected 3 input items, got %d", len(body.Input))
		}
		if body.Input[1]["type"] != "function_call" || body.Input[1]["name"] != "skill_fetch" {
			t.Errorf("expected function_call item with wire name, got %+v", body.Input[1])
		}
		if body.Input[2]["type"] != "function_call_output" || body.Input[2]["call_id"] != "call_1" {
			t.Errorf("expected function_call_output item, got %+v", body.Input[2])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[{"type":"function_call","call_id":"call_2","name":"skill_fetch","arguments":"{\"url\":\"x\"}"}]}`)
	}))
	defer server.Close()

	provider := newTestResponsesProvider(server.URL, "")
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: "fetch it"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "skill.fetch", Arguments: json.RawMessage(`{}`)},
			}},
			{Role: models.RoleTool, Content: "page text", ToolCallID: "call_1"},
		},
		Tools: []models.ToolDefinition{
			{Name: "skill.fetch", Description: "Fetch a URL", Schema: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(completion.ToolCalls))
	}
	if completion.ToolCalls[0].Name != "skill.fetch" {
		t.Errorf("expected restored name skill.fetch, got %q", completion.ToolCalls[0].Name)
	}
	if string(completion.ToolCalls[0].Arguments) != `{"url":"x"}` {
		t.Errorf("unexpected arguments: %s", completion.ToolCalls[0].Arguments)
	}
}

// TestResponsesAccountHeader tests that the ChatGPT account header is sent.
func TestResponsesAccountHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("chatgpt-account-id"); got != "acct_1" {
			t.Errorf("expected account header acct_1, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[]}`)
	}))
	defer server.Close()

	provider := newTestResponsesProvider(server.URL, "acct_1")
	if _, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "Hi"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestResponsesStreamRoundTrip tests parsing an SSE body over HTTP.
func TestResponsesStreamRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"delta\":\"Hel\"}\n\n")
		fmt.Fprint(w, "event: response.completed\ndata: {\"response\":{\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"Hello\"}]}]}}\n\n")
	}))
	defer server.Close()

	provider := newTestResponsesProvider(server.URL, "")
	completion, err := provider.send(context.Background(), "gpt-4o", []byte(`{}`), nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Text != "Hello" {
		t.Errorf("expected 'Hello', got %q", completion.Text)
	}
}

// TestResponsesRetriesRateLimit tests that a 429 is retried.
func TestResponsesRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limited"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}]}`)
	}))
	defer server.Close()

	provider := newTestResponsesProvider(server.URL, "")
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if completion.Text != "ok" {
		t.Errorf("expected 'ok', got %q", completion.Text)
	}
}

// TestResponsesAPIErrorBodies tests error extraction from both backend
// error shapes.
func TestResponsesAPIErrorBodies(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason agent.FailoverReason
		wantSubstr string
	}{
		{
			name:       "public api error shape",
			status:     401,
			body:       `{"error":{"message":"Invalid token"}}`,
			wantReason: agent.FailoverAuth,
			wantSubstr: "Invalid token",
		},
		{
			name:       "chatgpt backend detail shape",
			status:     403,
			body:       `{"detail":"Not allowed"}`,
			wantReason: agent.FailoverAuth,
			wantSubstr: "Not allowed",
		},
		{
			name:       "unparseable body is clipped",
			status:     500,
			body:       "upstream exploded",
			wantReason: agent.FailoverServerError,
			wantSubstr: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			provider := NewResponsesProvider(ResponsesConfig{
				APIKey:     "k",
				BaseURL:    server.URL,
				MaxRetries: 1,
				RetryDelay: time.Millisecond,
			})
			_, err := provider.Complete(context.Background(), &agent.CompletionRequest{
				Model:    "gpt-4o",
				Messages: []*models.Message{{Role: models.RoleUser, Content: "Hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := agent.ReasonOf(err); got != tt.wantReason {
				t.Errorf("expected reason %v, got %v", tt.wantReason, got)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("expected %q in error, got %q", tt.wantSubstr, err.Error())
			}
		})
	}
}

// TestConvertResponsesInput tests history conversion to input items.
func TestConvertResponsesInput(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleSystem, Content: "skip me"},
		{Role: models.RoleUser, Content: "Hello"},
		{Role: models.RoleAssistant, Content: "Hi!"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "shell", Arguments: json.RawMessage(`{"cmd":"ls"}`)},
		}},
		{Role: models.RoleTool, Content: "ok"},
	}

	input := convertResponsesInput(messages)
	if len(input) != 4 {
		t.Fatalf("expected 4 input items, got %d", len(input))
	}
	if input[0]["role"] != "user" || input[0]["content"] != "Hello" {
		t.Errorf("unexpected user item: %+v", input[0])
	}
	if input[1]["role"] != "assistant" {
		t.Errorf("unexpected assistant item: %+v", input[1])
	}
	if input[2]["type"] != "function_call" || input[2]["call_id"] != "call_1" {
		t.Errorf("unexpected function_call item: %+v", input[2])
	}
	if input[3]["type"] != "function_call_output" || input[3]["call_id"] != "unknown" {
		t.Errorf("expected unknown call_id fallback, got %+v", input[3])
	}
}

// TestCompletionFromResponsesOutput tests that function calls win over text.
func TestCompletionFromResponsesOutput(t *testing.T) {
	resp := responsesResponse{
		Output: []responsesOutputItem{
			{Type: "message", Content: []responsesContent{{Type: "output_text", Text: "thinking..."}}},
			{Type: "function_call", CallID: "call_1", Name: "shell", Arguments: "not json"},
		},
	}

	completion := completionFromResponsesOutput(resp, nil)
	if completion.Text != "" {
		t.Errorf("expected no text when calls present, got %q", completion.Text)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(completion.ToolCalls))
	}
	if string(completion.ToolCalls[0].Arguments) != "{}" {
		t.Errorf("expected invalid arguments replaced with {}, got %s", completion.ToolCalls[0].Arguments)
	}
}

// TestParseSSEResponse tests terminal event extraction.
func TestParseSSEResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantErr  bool
	}{
		{
			name: "completed event with wrapper",
			body: "event: response.created\ndata: {}\n\n" +
				"event: response.completed\ndata: {\"response\":{\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"done\"}]}]}}\n\n",
			wantText: "done",
		},
		{
			name:     "bare response object",
			body:     "event: response.completed\ndata: {\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"bare\"}]}]}\n\n",
			wantText: "bare",
		},
		{
			name:     "last completed event wins",
			body:     "event: response.completed\ndata: {\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"first\"}]}]}\n\nevent: response.completed\ndata: {\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"second\"}]}]}\n\n",
			wantText: "second",
		},
		{
			name:     "fallback scans any data line",
			body:     "data: {\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"scanned\"}]}]}\n\n",
			wantText: "scanned",
		},
		{
			name:     "crlf line endings",
			body:     "event: response.completed\r\ndata: {\"output\":[{\"type\":\"message\",\"content\":[{\"type\":\"output_text\",\"text\":\"crlf\"}]}]}\r\n\r\n",
			wantText: "crlf",
		},
		{
			name:    "no terminal response",
			body:    "event: response.output_text.delta\ndata: {\"delta\":\"x\"}\n\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseSSEResponse([]byte(tt.body))

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			completion := completionFromResponsesOutput(resp, nil)
			if completion.Text != tt.wantText {
				t.Errorf("expected %q, got %q", tt.wantText, completion.Text)
			}
		})
	}
}

// TestClipBody tests error body clipping.
func TestClipBody(t *testing.T) {
	if got := clipBody([]byte("  short  "), 100); got != "short" {
		t.Errorf("expected trimmed body, got %q", got)
	}
	long := strings.Repeat("x", 600)
	if got := clipBody([]byte(long), 500); len(got) != 500 {
		t.Errorf("expected 500 chars, got %d", len(got))
	}
}
