// Package sandbox executes untrusted commands in fresh containers and
// WASM skill modules in a wazero guest. It is the engine layer under
// the container.run tool and the skill tools; it never talks to the
// model directly.
package sandbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// credentialFile is the token file name under the in-memory
	// /run/secrets mount inside the container.
	credentialFile = ".valet_task_env"

	// DefaultTokenEnvName is the environment variable the credential is
	// exported under when the call names none.
	DefaultTokenEnvName = "VALET_TASK_TOKEN"

	// expiresEnvName carries the credential expiry as a unix timestamp.
	expiresEnvName = "VALET_TASK_TOKEN_EXPIRES_AT"

	defaultCredentialTTLSecs = 300
	maxCredentialTTLSecs     = 900
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TaskCredential is a single-use token minted for one sandboxed call.
// The token is injected into the container through a tmpfs-backed file
// sourced by the command shell, and wiped from host memory after the run.
type TaskCredential struct {
	CallID    string
	EnvName   string
	ExpiresAt time.Time

	token []byte
}

// NewTaskCredential mints a credential bound to the call. The TTL is
// clamped to 1..900 seconds and defaults to 300; an empty envName uses
// DefaultTokenEnvName.
func NewTaskCredential(callID, envName string, ttl time.Duration) (*TaskCredential, error) {
	if envName == "" {
		envName = DefaultTokenEnvName
	}
	if !envNamePattern.MatchString(envName) {
		return nil, fmt.Errorf("token_env_name must match [A-Za-z_][A-Za-z0-9_]*")
	}

	ttlSecs := int(ttl / time.Second)
	if ttlSecs <= 0 {
		ttlSecs = defaultCredentialTTLSecs
	}
	if ttlSecs > maxCredentialTTLSecs {
		ttlSecs = maxCredentialTTLSecs
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate task token: %w", err)
	}
	token := []byte(base64.RawURLEncoding.EncodeToString(raw))

	return &TaskCredential{
		CallID:    callID,
		EnvName:   envName,
		ExpiresAt: time.Now().Add(time.Duration(ttlSecs) * time.Second),
		token:     token,
	}, nil
}

// Token returns the current token value. Empty after Zero.
func (c *TaskCredential) Token() string {
	return string(c.token)
}

// ExportScript renders the shell fragment sourced inside the sandbox to
// expose the credential to the command's environment.
func (c *TaskCredential) ExportScript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "export %s=%s\n", c.EnvName, shellSingleQuote(string(c.token)))
	fmt.Fprintf(&b, "export %s=%d\n", expiresEnvName, c.ExpiresAt.Unix())
	return b.String()
}

// Env returns the credential as KEY=VALUE pairs for the subprocess
// fallback, which has no tmpfs to source from.
func (c *TaskCredential) Env() []string {
	return []string{
		fmt.Sprintf("%s=%s", c.EnvName, string(c.token)),
		fmt.Sprintf("%s=%d", expiresEnvName, c.ExpiresAt.Unix()),
	}
}

// Zero wipes the token bytes from memory. The credential is unusable
// afterwards.
func (c *TaskCredential) Zero() {
	for i := range c.token {
		c.token[i] = 0
	}
	c.token = nil
}

// shellSingleQuote quotes s for safe interpolation into a POSIX shell
// command.
func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
