// Package credentials stores and resolves provider API credentials.
//
// Credentials live in a single YAML file under the state directory,
// keyed by provider name. The file holds plain API keys as well as
// OAuth token sets obtained through the login flow. It is written
// with 0600 permissions and never logged.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoCredential indicates no stored credential exists for a provider.
var ErrNoCredential = errors.New("no credential stored for provider")

// Credential holds authentication material for one provider. Either
// APIKey or the OAuth token fields are set, not both.
type Credential struct {
	APIKey       string    `yaml:"api_key,omitempty"`
	AccessToken  string    `yaml:"access_token,omitempty"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
	// AccountID carries provider-specific account identity, such as the
	// ChatGPT account extracted from the OpenAI id_token.
	AccountID string `yaml:"account_id,omitempty"`
}

// IsOAuth reports whether the credential came from an OAuth flow.
func (c *Credential) IsOAuth() bool {
	return c != nil && c.AccessToken != ""
}

// Expired reports whether an OAuth access token is past its expiry,
// with a skew window so tokens are refreshed before they lapse.
func (c *Credential) Expired(skew time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(c.ExpiresAt)
}

type credentialsFile struct {
	Providers map[string]*Credential `yaml:"providers"`
}

// FileStore persists credentials to a YAML file with restrictive
// permissions. All methods are safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the given file path. The file
// is created on first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the stored credential for a provider.
func (s *FileStore) Get(provider string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	cred, ok := file.Providers[provider]
	if !ok || cred == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	clone := *cred
	return &clone, nil
}

// Put stores a credential for a provider, replacing any existing one.
func (s *FileStore) Put(provider string, cred *Credential) error {
	if cred == nil {
		return errors.New("credential required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	clone := *cred
	file.Providers[provider] = &clone
	return s.save(file)
}

// Delete removes the stored credential for a provider. Deleting a
// provider that has no credential is not an error.
func (s *FileStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := file.Providers[provider]; !ok {
		return nil
	}
	delete(file.Providers, provider)
	return s.save(file)
}

// List returns the provider names with stored credentials, sorted.
func (s *FileStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(file.Providers))
	for name := range file.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// StatusEntry summarizes one stored credential without exposing any
// secret material.
type StatusEntry struct {
	Provider  string
	Kind      string
	ExpiresAt time.Time
	AccountID string
}

const (
	KindAPIKey = "api_key"
	KindOAuth  = "oauth"
)

// Status reports what is stored per provider, sorted by provider name.
func (s *FileStore) Status() ([]StatusEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]StatusEntry, 0, len(file.Providers))
	for name, cred := range file.Providers {
		if cred == nil {
			continue
		}
		entry := StatusEntry{Provider: name, Kind: KindAPIKey, AccountID: cred.AccountID}
		if cred.IsOAuth() {
			entry.Kind = KindOAuth
			entry.ExpiresAt = cred.ExpiresAt
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Provider < entries[j].Provider })
	return entries, nil
}

func (s *FileStore) load() (*credentialsFile, error) {
	file := &credentialsFile{Providers: map[string]*Credential{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if file.Providers == nil {
		file.Providers = map[string]*Credential{}
	}
	return file, nil
}

func (s *FileStore) save(file *credentialsFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
