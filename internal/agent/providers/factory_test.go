package providers

import (
	"context"
	"testing"

	"github.com/haasonsaas/valet/internal/config"
)

func mustPreset(t *testing.T, name string) config.ProviderPreset {
	t.Helper()
	preset, ok := config.Preset(name)
	if !ok {
		t.Fatalf("preset %q not registered", name)
	}
	return preset
}

// TestNewProviderDispatch tests that each preset family builds the right
// backend.
func TestNewProviderDispatch(t *testing.T) {
	tests := []struct {
		name     string
		preset   string
		opts     Options
		wantName string
		wantType string
	}{
		{
			name:     "anthropic family",
			preset:   "anthropic",
			opts:     Options{APIKey: "k"},
			wantName: "anthropic",
			wantType: "*providers.AnthropicProvider",
		},
		{
			name:     "openai family with API key",
			preset:   "openai",
			opts:     Options{APIKey: "k"},
			wantName: "openai",
			wantType: "*providers.OpenAIProvider",
		},
		{
			name:     "openai family with OAuth token",
			preset:   "openai",
			opts:     Options{APIKey: "oauth-token", OAuth: true, AccountID: "acct_1"},
			wantName: "openai",
			wantType: "*providers.ResponsesProvider",
		},
		{
			name:     "responses family",
			preset:   "openai-responses",
			opts:     Options{APIKey: "k"},
			wantName: "openai-responses",
			wantType: "*providers.ResponsesProvider",
		},
		{
			name:     "openai-compatible preset keeps chat wire under OAuth",
			preset:   "openrouter",
			opts:     Options{APIKey: "exchanged-key", OAuth: true},
			wantName: "openrouter",
			wantType: "*providers.OpenAIProvider",
		},
		{
			name:     "google family",
			preset:   "google",
			opts:     Options{APIKey: "k"},
			wantName: "google",
			wantType: "*providers.GoogleProvider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Preset = mustPreset(t, tt.preset)

			provider, err := New(context.Background(), opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider.Name() != tt.wantName {
				t.Errorf("expected name %q, got %q", tt.wantName, provider.Name())
			}

			var gotType string
			switch provider.(type) {
			case *AnthropicProvider:
				gotType = "*providers.AnthropicProvider"
			case *OpenAIProvider:
				gotType = "*providers.OpenAIProvider"
			case *ResponsesProvider:
				gotType = "*providers.ResponsesProvider"
			case *GoogleProvider:
				gotType = "*providers.GoogleProvider"
			default:
				gotType = "unknown"
			}
			if gotType != tt.wantType {
				t.Errorf("expected %s, got %s", tt.wantType, gotType)
			}
		})
	}
}

// TestNewProviderUnknownFamily tests the error for unregistered families.
func TestNewProviderUnknownFamily(t *testing.T) {
	_, err := New(context.Background(), Options{
		Preset: config.ProviderPreset{Name: "who", Family: "who"},
	})
	if err == nil {
		t.Fatal("expected error for unknown family")
	}
}

// TestNewProviderOverrides tests model and base URL precedence.
func TestNewProviderOverrides(t *testing.T) {
	preset := mustPreset(t, "openai-responses")

	provider, err := New(context.Background(), Options{Preset: preset, APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rp := provider.(*ResponsesProvider)
	if rp.defaultModel != preset.DefaultModel {
		t.Errorf("expected preset default model %q, got %q", preset.DefaultModel, rp.defaultModel)
	}

	provider, err = New(context.Background(), Options{
		Preset:  preset,
		APIKey:  "k",
		Model:   "o4-mini",
		BaseURL: "http://localhost:8080/v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rp = provider.(*ResponsesProvider)
	if rp.defaultModel != "o4-mini" {
		t.Errorf("expected model override, got %q", rp.defaultModel)
	}
	if rp.baseURL != "http://localhost:8080/v1" {
		t.Errorf("expected base URL override, got %q", rp.baseURL)
	}
}
