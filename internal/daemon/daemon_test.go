package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/credentials"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewOpensLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "valet.log")
	cfg := &config.Config{}
	cfg.Logging.File = path

	d, err := New(Options{Config: cfg, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	d.logger.Info("hello from the test")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log record not written to file")
	}
}

func TestNewHonorsLoggerOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.File = filepath.Join(t.TempDir(), "ignored.log")

	logger := testLogger()
	d, err := New(Options{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if d.logger != logger {
		t.Error("expected supplied logger to be used")
	}
	if _, err := os.Stat(cfg.Logging.File); !os.IsNotExist(err) {
		t.Error("log file should not be opened when a logger is supplied")
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(t.TempDir(), "valet.db")

	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	session, err := store.GetOrCreate(context.Background(), "cli:local", "anthropic", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if session.ID == "" {
		t.Error("expected a session id")
	}
}

func TestRequireToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := requireToken("hunter2", next)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing token", "/ws", http.StatusUnauthorized},
		{"wrong token", "/ws?token=guess", http.StatusUnauthorized},
		{"correct token", "/ws?token=hunter2", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestProviderResolverUnknownProvider(t *testing.T) {
	cfg := &config.Config{}
	resolver := newProviderResolver(credentials.NewFileStore(filepath.Join(t.TempDir(), "credentials.yaml")), cfg)

	_, err := resolver.Provider(context.Background(), "nonesuch")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "nonesuch") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestProviderResolverReusesProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Provider = "anthropic"
	cfg.Agent.APIKey = "sk-ant-test-key"

	resolver := newProviderResolver(credentials.NewFileStore(filepath.Join(t.TempDir(), "credentials.yaml")), cfg)

	first, err := resolver.Provider(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.Provider(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Error("expected the cached provider while the secret is unchanged")
	}
}

func TestBuildChannelsAllDisabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.CLI.Disabled = true

	registry, wsHandler, err := buildChannels(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("buildChannels: %v", err)
	}
	if n := len(registry.All()); n != 0 {
		t.Errorf("expected no adapters, got %d", n)
	}
	if wsHandler != nil {
		t.Error("expected no websocket handler")
	}
}

func TestBuildChannelsWebSocketToken(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.CLI.Disabled = true
	cfg.Channels.WebSocket.Enabled = true
	cfg.Channels.WebSocket.Token = "secret"

	registry, wsHandler, err := buildChannels(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("buildChannels: %v", err)
	}
	if len(registry.All()) != 1 {
		t.Fatalf("expected the websocket adapter to be registered")
	}
	if wsHandler == nil {
		t.Fatal("expected a websocket handler")
	}

	rec := httptest.NewRecorder()
	wsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tokenless upgrade = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// With the right token the guard passes; the upgrade itself then
	// fails because this is not a websocket handshake.
	rec = httptest.NewRecorder()
	wsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=secret", nil))
	if rec.Code == http.StatusUnauthorized {
		t.Error("valid token should pass the guard")
	}
}
