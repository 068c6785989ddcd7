package config

// Provider families understood by the agent runtime. The family selects the
// wire implementation; the preset name selects defaults on top of it.
const (
	FamilyAnthropic       = "anthropic"
	FamilyOpenAI          = "openai"
	FamilyOpenAIResponses = "openai-responses"
	FamilyGoogle          = "google"
	FamilyBedrock         = "bedrock"
)

// ProviderPreset carries the built-in defaults for a known provider name.
type ProviderPreset struct {
	Name         string
	Family       string
	DefaultModel string
	BaseURL      string
	APIKeyEnv    string
	KeyOptional  bool
	OAuth        *OAuthEndpoints
}

// OAuthEndpoints describes a provider's PKCE authorization code flow as
// used by `valet auth login`. The client ID is not part of the preset;
// it comes from agent.oauth_client_id or VALET_OAUTH_CLIENT_ID.
type OAuthEndpoints struct {
	AuthURL  string
	TokenURL string
	Scopes   []string
	// AuthParams are extra query parameters the provider expects on the
	// authorization URL.
	AuthParams map[string]string
	// KeyExchange marks flows that trade the authorization code for a
	// long-lived API key instead of an OAuth token set.
	KeyExchange bool
}

var presetOrder = []string{
	"anthropic",
	"openai",
	"openai-responses",
	"google",
	"bedrock",
	"together",
	"ollama",
	"openrouter",
	"custom",
}

var presets = map[string]ProviderPreset{
	"anthropic": {
		Name:         "anthropic",
		Family:       FamilyAnthropic,
		DefaultModel: "claude-sonnet-4-20250514",
		APIKeyEnv:    "ANTHROPIC_API_KEY",
	},
	"openai": {
		Name:         "openai",
		Family:       FamilyOpenAI,
		DefaultModel: "gpt-4o",
		APIKeyEnv:    "OPENAI_API_KEY",
		OAuth:        openaiOAuth,
	},
	"openai-responses": {
		Name:         "openai-responses",
		Family:       FamilyOpenAIResponses,
		DefaultModel: "gpt-4o",
		APIKeyEnv:    "OPENAI_API_KEY",
		OAuth:        openaiOAuth,
	},
	"google": {
		Name:         "google",
		Family:       FamilyGoogle,
		DefaultModel: "gemini-2.0-flash",
		APIKeyEnv:    "GOOGLE_API_KEY",
	},
	"bedrock": {
		Name:         "bedrock",
		Family:       FamilyBedrock,
		DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		KeyOptional:  true,
	},
	"together": {
		Name:         "together",
		Family:       FamilyOpenAI,
		DefaultModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
		BaseURL:      "https://api.together.xyz/v1",
		APIKeyEnv:    "TOGETHER_API_KEY",
	},
	"ollama": {
		Name:         "ollama",
		Family:       FamilyOpenAI,
		DefaultModel: "llama3.2",
		BaseURL:      "http://localhost:11434/v1",
		KeyOptional:  true,
	},
	"openrouter": {
		Name:         "openrouter",
		Family:       FamilyOpenAI,
		DefaultModel: "openai/gpt-4o",
		BaseURL:      "https://openrouter.ai/api/v1",
		APIKeyEnv:    "OPENROUTER_API_KEY",
		OAuth: &OAuthEndpoints{
			AuthURL:     "https://openrouter.ai/auth",
			TokenURL:    "https://openrouter.ai/api/v1/auth/keys",
			KeyExchange: true,
		},
	},
	"custom": {
		Name:   "custom",
		Family: FamilyOpenAI,
	},
}

var openaiOAuth = &OAuthEndpoints{
	AuthURL:  "https://auth.openai.com/authorize",
	TokenURL: "https://auth.openai.com/oauth/token",
	Scopes:   []string{"openid", "email", "profile"},
	AuthParams: map[string]string{
		"id_token_add_organizations": "true",
		"codex_cli_simplified_flow":  "true",
	},
}

// Preset returns the built-in defaults for the named provider.
func Preset(name string) (ProviderPreset, bool) {
	p, ok := presets[name]
	return p, ok
}

// Presets lists the known provider names in display order.
func Presets() []string {
	out := make([]string, len(presetOrder))
	copy(out, presetOrder)
	return out
}
