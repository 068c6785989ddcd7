package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/config"
)

// Options selects and configures a provider backend. Preset decides the
// wire family; Model and BaseURL override the preset defaults when set.
type Options struct {
	Preset  config.ProviderPreset
	Model   string
	BaseURL string
	APIKey  string

	// OAuth marks that APIKey is an OAuth access token rather than a
	// static key. For the "openai" preset this switches the wire to the
	// Responses API, which is the only surface ChatGPT tokens work
	// against.
	OAuth     bool
	AccountID string

	MaxRetries int
	RetryDelay time.Duration
}

// New builds the provider for the given options.
func New(ctx context.Context, opts Options) (agent.Provider, error) {
	preset := opts.Preset
	model := opts.Model
	if model == "" {
		model = preset.DefaultModel
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = preset.BaseURL
	}

	switch preset.Family {
	case config.FamilyAnthropic:
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       opts.APIKey,
			BaseURL:      baseURL,
			DefaultModel: model,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
		})

	case config.FamilyOpenAIResponses:
		return NewResponsesProvider(ResponsesConfig{
			Name:         preset.Name,
			APIKey:       opts.APIKey,
			BaseURL:      baseURL,
			DefaultModel: model,
			AccountID:    opts.AccountID,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
		}), nil

	case config.FamilyOpenAI:
		if opts.OAuth && preset.Name == "openai" {
			return NewResponsesProvider(ResponsesConfig{
				Name:         preset.Name,
				APIKey:       opts.APIKey,
				DefaultModel: model,
				AccountID:    opts.AccountID,
				MaxRetries:   opts.MaxRetries,
				RetryDelay:   opts.RetryDelay,
			}), nil
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:         preset.Name,
			APIKey:       opts.APIKey,
			BaseURL:      baseURL,
			DefaultModel: model,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
		}), nil

	case config.FamilyGoogle:
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey:       opts.APIKey,
			DefaultModel: model,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
		})

	case config.FamilyBedrock:
		return NewBedrockProvider(ctx, BedrockConfig{
			DefaultModel: model,
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
		})

	default:
		return nil, fmt.Errorf("unknown provider family %q", preset.Family)
	}
}
