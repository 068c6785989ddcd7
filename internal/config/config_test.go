package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	state := t.TempDir()
	t.Setenv("VALET_STATE_DIR", state)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Model != "claude-sonnet-4-20250514" {
		t.Errorf("expected preset model, got %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxRounds != 30 {
		t.Errorf("expected max rounds 30, got %d", cfg.Agent.MaxRounds)
	}
	if cfg.Agent.RequestTimeout != 2*time.Minute {
		t.Errorf("expected request timeout 2m, got %s", cfg.Agent.RequestTimeout)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Database.URL != filepath.Join(state, "valet.db") {
		t.Errorf("expected db under state dir, got %q", cfg.Database.URL)
	}
	if cfg.Channels.CLI.Disabled {
		t.Error("expected cli channel enabled by default")
	}
	if cfg.Tools.Approval.Mode != ApprovalPrompt {
		t.Errorf("expected approval prompt, got %q", cfg.Tools.Approval.Mode)
	}
	if cfg.Tools.Shell.Timeout != 30*time.Second {
		t.Errorf("expected shell timeout 30s, got %s", cfg.Tools.Shell.Timeout)
	}
	if cfg.Tools.OutputLimit != 10000 {
		t.Errorf("expected output limit 10000, got %d", cfg.Tools.OutputLimit)
	}
	if cfg.Gateway.QueueSize != 16 || cfg.Gateway.Workers != 4 {
		t.Errorf("expected queue 16 / workers 4, got %d / %d", cfg.Gateway.QueueSize, cfg.Gateway.Workers)
	}
	if !cfg.WatchSkills() {
		t.Error("expected skill watching on by default")
	}
}

func TestDefaultStateDirProfile(t *testing.T) {
	t.Setenv("VALET_STATE_DIR", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}

	tests := []struct {
		profile string
		want    string
	}{
		{"", filepath.Join(home, ".valet")},
		{"default", filepath.Join(home, ".valet")},
		{"work", filepath.Join(home, ".valet-work")},
	}
	for _, tc := range tests {
		t.Setenv("VALET_PROFILE", tc.profile)
		got, err := DefaultStateDir()
		if err != nil {
			t.Fatalf("DefaultStateDir(profile=%q): %v", tc.profile, err)
		}
		if got != tc.want {
			t.Errorf("profile %q: expected %s, got %s", tc.profile, tc.want, got)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	path := writeConfig(t, "valet.yaml", `
agent:
  provider: openai
channels:
  telegram:
    enabled: true
    bot_token: "123:abc"
tools:
  approval:
    mode: allow
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("expected preset model for openai, got %q", cfg.Agent.Model)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "123:abc" {
		t.Errorf("telegram config not applied: %+v", cfg.Channels.Telegram)
	}
	if cfg.Tools.Approval.Mode != ApprovalAllow {
		t.Errorf("expected approval allow, got %q", cfg.Tools.Approval.Mode)
	}
	if cfg.Tools.Approval.Timeout != 2*time.Minute {
		t.Errorf("expected default approval timeout, got %s", cfg.Tools.Approval.Timeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	path := writeConfig(t, "valet.yaml", `
agent:
  provider: openai
  model: gpt-4o-mini
`)
	t.Setenv("VALET_PROVIDER", "together")
	t.Setenv("VALET_TELEGRAM_TOKEN", "999:env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Provider != "together" {
		t.Errorf("expected env to override provider, got %q", cfg.Agent.Provider)
	}
	if cfg.Agent.Model != "gpt-4o-mini" {
		t.Errorf("expected file model preserved, got %q", cfg.Agent.Model)
	}
	if cfg.Agent.BaseURL != "https://api.together.xyz/v1" {
		t.Errorf("expected together base url, got %q", cfg.Agent.BaseURL)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "999:env" {
		t.Errorf("expected env token to enable telegram: %+v", cfg.Channels.Telegram)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("VALET_STATE_DIR", t.TempDir())
	path := writeConfig(t, "valet.yaml", `
agent:
  provder: openai
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Agent.Provider = "frontier" },
			wantErr: "unknown provider",
		},
		{
			name: "custom without base url",
			mutate: func(c *Config) {
				c.Agent.Provider = "custom"
				c.Agent.Model = "local"
				c.Agent.BaseURL = ""
			},
			wantErr: "base_url",
		},
		{
			name:    "bad approval mode",
			mutate:  func(c *Config) { c.Tools.Approval.Mode = "maybe" },
			wantErr: "approval mode",
		},
		{
			name:    "bad container engine",
			mutate:  func(c *Config) { c.Tools.Container.Engine = "chroot" },
			wantErr: "container engine",
		},
		{
			name: "schedule without trigger",
			mutate: func(c *Config) {
				c.Schedule = []ScheduleRule{{Name: "morning", Prompt: "hi", Channel: "cli:local"}}
			},
			wantErr: "exactly one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VALET_STATE_DIR", t.TempDir())
			cfg := &Config{}
			applyEnvOverrides(cfg)
			if err := applyDefaults(cfg); err != nil {
				t.Fatalf("applyDefaults: %v", err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err)
			}
		})
	}
}

func TestScheduleRuleValidate(t *testing.T) {
	tests := []struct {
		name string
		rule ScheduleRule
		ok   bool
	}{
		{"at", ScheduleRule{Name: "r", At: "09:00", Prompt: "p"}, true},
		{"every", ScheduleRule{Name: "r", Every: time.Hour, Prompt: "p"}, true},
		{"cron", ScheduleRule{Name: "r", Cron: "0 9 * * *", Prompt: "p"}, true},
		{"two triggers", ScheduleRule{Name: "r", At: "09:00", Every: time.Hour, Prompt: "p"}, false},
		{"no prompt", ScheduleRule{Name: "r", At: "09:00"}, false},
		{"no name", ScheduleRule{At: "09:00", Prompt: "p"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid rule, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPresets(t *testing.T) {
	if _, ok := Preset("anthropic"); !ok {
		t.Fatal("anthropic preset missing")
	}
	openrouter, _ := Preset("openrouter")
	if openrouter.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("unexpected openrouter base url %q", openrouter.BaseURL)
	}
	if openrouter.OAuth == nil {
		t.Error("expected openrouter oauth endpoints")
	}
	ollama, _ := Preset("ollama")
	if !ollama.KeyOptional {
		t.Error("expected ollama to not require a key")
	}
	if _, ok := Preset("frontier"); ok {
		t.Error("unexpected preset for unknown name")
	}
	names := Presets()
	if len(names) != len(presets) {
		t.Errorf("expected %d preset names, got %d", len(presets), len(names))
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if !strings.Contains(string(data), "max_rounds") {
		t.Error("expected schema to use yaml field names")
	}
}
