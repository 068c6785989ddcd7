package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/haasonsaas/valet/internal/config"
)

const (
	// DefaultCallbackPort is where the one-shot callback server listens
	// during `valet auth login`.
	DefaultCallbackPort = 9009

	// DefaultLoginTimeout bounds the wait for the browser redirect.
	DefaultLoginTimeout = 120 * time.Second

	callbackPath = "/auth/callback"
)

const (
	successPage = `<html><body><h2>&#10003; Authentication successful</h2><p>You may close this tab and return to the terminal.</p></body></html>`
	failurePage = `<html><body><h2>&#10007; Authentication failed</h2><p>No authorization code received. You may close this tab.</p></body></html>`
)

// LoginOptions tune the browser login flow.
type LoginOptions struct {
	// ClientID is the OAuth client ID, from agent.oauth_client_id.
	// Required for providers whose flow is not a key exchange.
	ClientID string
	// Port for the local callback server. Zero means DefaultCallbackPort.
	Port int
	// Timeout for the browser redirect. Zero means DefaultLoginTimeout.
	Timeout time.Duration
	// Out receives progress messages. Nil discards them.
	Out io.Writer
	// OpenBrowser overrides how the authorization URL is opened.
	OpenBrowser func(url string) error
}

// Login runs the OAuth 2.0 authorization code flow with PKCE for the
// provider and stores the resulting credential. The authorization URL
// is opened in the user's browser and the redirect is captured by a
// one-shot server on 127.0.0.1.
func Login(ctx context.Context, store *FileStore, preset config.ProviderPreset, opts LoginOptions) (*Credential, error) {
	ep := preset.OAuth
	if ep == nil {
		return nil, fmt.Errorf("provider %s does not support browser login; store an API key instead", preset.Name)
	}
	if !ep.KeyExchange && opts.ClientID == "" {
		return nil, fmt.Errorf("no OAuth client ID configured for %s; set agent.oauth_client_id or VALET_OAUTH_CLIENT_ID", preset.Name)
	}
	if opts.Port == 0 {
		opts.Port = DefaultCallbackPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultLoginTimeout
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = openBrowser
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("bind OAuth callback port %d: %w", opts.Port, err)
	}
	defer func() {
		_ = ln.Close()
	}()

	verifier := oauth2.GenerateVerifier()
	redirect := callbackRedirectURL(opts.Port)

	var authURL, state string
	if ep.KeyExchange {
		// Key-exchange providers take the challenge directly and return
		// an API key for the code, outside the standard token grant.
		authURL = fmt.Sprintf("%s?callback_url=%s&code_challenge=%s&code_challenge_method=S256",
			ep.AuthURL, url.QueryEscape(redirect), oauth2.S256ChallengeFromVerifier(verifier))
	} else {
		state, err = randomState()
		if err != nil {
			return nil, err
		}
		cfg := oauthClient(ep, opts.ClientID, redirect)
		authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
		for k, v := range ep.AuthParams {
			authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
		}
		authURL = cfg.AuthCodeURL(state, authOpts...)
	}

	fmt.Fprintf(opts.Out, "Opening browser for %s authorization:\n  %s\n", preset.Name, authURL)
	if err := opts.OpenBrowser(authURL); err != nil {
		fmt.Fprintf(opts.Out, "Could not open a browser automatically; visit the URL above.\n")
	}
	fmt.Fprintf(opts.Out, "Waiting for authorization callback on port %d (timeout %s)...\n", opts.Port, opts.Timeout)

	code, err := waitCallback(ctx, ln, state, opts.Timeout)
	if err != nil {
		return nil, err
	}

	var cred *Credential
	if ep.KeyExchange {
		key, err := exchangeKey(ctx, ep.TokenURL, code, verifier)
		if err != nil {
			return nil, err
		}
		cred = &Credential{APIKey: key}
	} else {
		cfg := oauthClient(ep, opts.ClientID, redirect)
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		cred = &Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
			AccountID:    ChatGPTAccountID(tok.AccessToken),
		}
	}

	if err := store.Put(preset.Name, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func callbackRedirectURL(port int) string {
	return fmt.Sprintf("http://localhost:%d%s", port, callbackPath)
}

// waitCallback serves a single OAuth redirect on the listener and
// returns the authorization code. state is verified when non-empty.
func waitCallback(ctx context.Context, ln net.Listener, state string, timeout time.Duration) (string, error) {
	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callback
		switch {
		case state != "" && q.Get("state") != state:
			res.err = errors.New("OAuth state mismatch; aborting")
		case q.Get("code") == "":
			res.err = errors.New("no authorization code in callback")
		default:
			res.code = q.Get("code")
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != nil {
			_, _ = io.WriteString(w, failurePage)
		} else {
			_, _ = io.WriteString(w, successPage)
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		return res.code, res.err
	case <-timer.C:
		return "", errors.New("authorization timed out: no callback received within the time limit")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchangeKey trades the authorization code for a provider API key.
// Used by providers whose token endpoint is a key mint rather than a
// standard OAuth token grant.
func exchangeKey(ctx context.Context, tokenURL, code, verifier string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"code":                  code,
		"code_verifier":         verifier,
		"code_challenge_method": "S256",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("key exchange failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode key exchange response: %w", err)
	}
	if out.Key == "" {
		return "", errors.New("key exchange response contained no key")
	}
	return out.Key, nil
}

// ChatGPTAccountID extracts the ChatGPT account ID from an OpenAI
// access token. The claims are read without signature verification;
// the token is only inspected, never trusted for authorization.
func ChatGPTAccountID(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := auth["chatgpt_account_id"].(string)
	return id
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
