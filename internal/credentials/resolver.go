package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/valet/internal/config"
)

// refreshSkew is how long before expiry an OAuth access token is
// refreshed rather than used as-is.
const refreshSkew = 5 * time.Minute

// Source identifies where a resolved key came from, for status output.
type Source string

const (
	SourceConfig Source = "config"
	SourceStored Source = "stored"
	SourceOAuth  Source = "oauth"
	SourceEnv    Source = "env"
	SourceNone   Source = "none"
)

// Resolved is the outcome of credential resolution for one provider.
type Resolved struct {
	APIKey    string
	AccountID string
	Source    Source
}

// Resolver picks the credential to use for a provider. Precedence:
// explicit config key, stored API key, stored OAuth token (refreshed
// when near expiry), the provider's environment variable, then the
// legacy OPENAI_API_KEY for OpenAI-compatible providers. Providers
// marked key-optional resolve to an empty key instead of failing.
type Resolver struct {
	store    *FileStore
	clientID string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver returns a resolver backed by the given store. clientID is
// the OAuth client ID used when refreshing tokens, usually
// cfg.Agent.OAuthClientID.
func NewResolver(store *FileStore, clientID string) *Resolver {
	return &Resolver{store: store, clientID: clientID, locks: map[string]*sync.Mutex{}}
}

// Resolve returns the credential to use for the preset. configured is
// the key from the config file, which wins over everything else.
func (r *Resolver) Resolve(ctx context.Context, preset config.ProviderPreset, configured string) (*Resolved, error) {
	if configured != "" {
		return &Resolved{APIKey: configured, Source: SourceConfig}, nil
	}

	cred, err := r.store.Get(preset.Name)
	if err != nil && !errors.Is(err, ErrNoCredential) {
		return nil, err
	}
	if cred != nil {
		if cred.APIKey != "" {
			return &Resolved{APIKey: cred.APIKey, AccountID: cred.AccountID, Source: SourceStored}, nil
		}
		if cred.IsOAuth() {
			if cred.Expired(refreshSkew) {
				cred, err = r.refresh(ctx, preset, cred)
				if err != nil {
					return nil, err
				}
			}
			return &Resolved{APIKey: cred.AccessToken, AccountID: cred.AccountID, Source: SourceOAuth}, nil
		}
	}

	if preset.APIKeyEnv != "" {
		if key := os.Getenv(preset.APIKeyEnv); key != "" {
			return &Resolved{APIKey: key, Source: SourceEnv}, nil
		}
	}
	if key := legacyEnvKey(preset); key != "" {
		return &Resolved{APIKey: key, Source: SourceEnv}, nil
	}
	if preset.KeyOptional {
		return &Resolved{Source: SourceNone}, nil
	}

	hint := fmt.Sprintf("run `valet auth login %s`", preset.Name)
	if preset.APIKeyEnv != "" {
		hint = fmt.Sprintf("set %s or %s", preset.APIKeyEnv, hint)
	}
	return nil, fmt.Errorf("no API key for provider %s: %s", preset.Name, hint)
}

// legacyEnvKey covers OpenAI-compatible providers that historically
// read OPENAI_API_KEY regardless of their own variable.
func legacyEnvKey(preset config.ProviderPreset) string {
	switch preset.Family {
	case config.FamilyOpenAI, config.FamilyOpenAIResponses:
	default:
		return ""
	}
	if preset.APIKeyEnv == "OPENAI_API_KEY" {
		return ""
	}
	return os.Getenv("OPENAI_API_KEY")
}

// refresh exchanges the refresh token for a new access token and
// persists the result. Refreshes for the same provider are serialized
// so concurrent sessions do not race the token endpoint.
func (r *Resolver) refresh(ctx context.Context, preset config.ProviderPreset, cred *Credential) (*Credential, error) {
	lock := r.providerLock(preset.Name)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if current, err := r.store.Get(preset.Name); err == nil && current.IsOAuth() {
		if !current.Expired(refreshSkew) {
			return current, nil
		}
		cred = current
	}

	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("access token for %s expired and no refresh token is stored; run `valet auth login %s`", preset.Name, preset.Name)
	}
	if preset.OAuth == nil {
		return nil, fmt.Errorf("access token for %s expired and the provider has no token endpoint", preset.Name)
	}

	cfg := oauthClient(preset.OAuth, r.clientID, callbackRedirectURL(DefaultCallbackPort))
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", preset.Name, err)
	}

	updated := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		AccountID:    cred.AccountID,
	}
	if updated.RefreshToken == "" {
		// Some token endpoints omit the refresh token on renewal.
		updated.RefreshToken = cred.RefreshToken
	}
	if err := r.store.Put(preset.Name, updated); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	return updated, nil
}

func (r *Resolver) providerLock(provider string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[provider]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[provider] = lock
	}
	return lock
}

func oauthClient(ep *config.OAuthEndpoints, clientID, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthURL,
			TokenURL: ep.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      ep.Scopes,
	}
}
