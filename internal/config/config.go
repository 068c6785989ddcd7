// Package config loads and validates the valet daemon configuration.
//
// Configuration is resolved in layers: built-in defaults, then the config
// file (explicit --config path, ./valet.yaml, or <state dir>/config.yaml),
// then VALET_* environment overrides. Files may be YAML or JSON5 and may
// pull in fragments with $include.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration for the valet daemon.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
	Channels ChannelsConfig `yaml:"channels"`
	Tools    ToolsConfig    `yaml:"tools"`
	Skills   SkillsConfig   `yaml:"skills"`
	Schedule []ScheduleRule `yaml:"schedule"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type DaemonConfig struct {
	StateDir string `yaml:"state_dir"`
}

type AgentConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	OAuthClientID  string        `yaml:"oauth_client_id"`
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxRounds      int           `yaml:"max_rounds"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HistoryWindow  int           `yaml:"history_window"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ChannelsConfig struct {
	CLI       CLIConfig       `yaml:"cli"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// CLIConfig configures the terminal REPL channel. It is active whenever
// the daemon runs attached to a terminal; Disabled turns it off for
// service installs where stdin is not a console.
type CLIConfig struct {
	Disabled bool `yaml:"disabled"`
}

type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BotToken     string  `yaml:"bot_token"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

type DiscordConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BotToken     string   `yaml:"bot_token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

type SlackConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BotToken     string   `yaml:"bot_token"`
	AppToken     string   `yaml:"app_token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

type WhatsAppConfig struct {
	Enabled     bool     `yaml:"enabled"`
	DBPath      string   `yaml:"db_path"`
	AllowedJIDs []string `yaml:"allowed_jids"`
}

// WebSocketConfig configures the browser-facing channel served on the
// gateway HTTP listener. Token, when set, is required as a query parameter
// on the upgrade request.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Token   string `yaml:"token"`
}

type ToolsConfig struct {
	Approval    ApprovalConfig  `yaml:"approval"`
	Shell       ShellConfig     `yaml:"shell"`
	Container   ContainerConfig `yaml:"container"`
	Browser     BrowserConfig   `yaml:"browser"`
	Screen      ScreenConfig    `yaml:"screen"`
	Wasm        WasmConfig      `yaml:"wasm"`
	OutputLimit int             `yaml:"output_limit"`
	Concurrency int             `yaml:"concurrency"`
}

// Approval modes.
const (
	ApprovalPrompt = "prompt"
	ApprovalAllow  = "allow"
	ApprovalDeny   = "deny"
)

// ApprovalConfig governs which tool calls require a human decision before
// execution. AutoAllow names tools that skip prompting in prompt mode.
type ApprovalConfig struct {
	Mode      string        `yaml:"mode"`
	AutoAllow []string      `yaml:"auto_allow"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ShellConfig struct {
	Shell   string        `yaml:"shell"`
	Workdir string        `yaml:"workdir"`
	Timeout time.Duration `yaml:"timeout"`
}

// ContainerConfig selects the container engine used to sandbox skill
// executions. Engine "auto" probes docker then podman; "none" forces the
// subprocess fallback.
type ContainerConfig struct {
	Engine  string        `yaml:"engine"`
	Image   string        `yaml:"image"`
	Timeout time.Duration `yaml:"timeout"`
}

type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DebuggerURL string `yaml:"debugger_url"`
	Headless    bool   `yaml:"headless"`
}

type ScreenConfig struct {
	MaxDim int `yaml:"max_dim"`
}

type WasmConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MemoryLimitMB int           `yaml:"memory_limit_mb"`
}

type SkillsConfig struct {
	Workspace string `yaml:"workspace"`
	Watch     *bool  `yaml:"watch"`
}

// ScheduleRule describes one recurring prompt injection. Exactly one of At,
// Every, or Cron must be set.
type ScheduleRule struct {
	Name    string        `yaml:"name"`
	At      string        `yaml:"at"`
	Every   time.Duration `yaml:"every"`
	Cron    string        `yaml:"cron"`
	Prompt  string        `yaml:"prompt"`
	Channel string        `yaml:"channel"`
}

type GatewayConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	QueueSize int    `yaml:"queue_size"`
	Workers   int    `yaml:"workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultStateDir returns the daemon state directory: VALET_STATE_DIR
// when set, ~/.valet-<profile> when VALET_PROFILE names a non-default
// profile, otherwise ~/.valet. The service installers suffix their
// labels with the same profile so instances stay apart.
func DefaultStateDir() (string, error) {
	if dir := os.Getenv("VALET_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if profile := os.Getenv("VALET_PROFILE"); profile != "" && !strings.EqualFold(profile, "default") {
		return filepath.Join(home, ".valet-"+profile), nil
	}
	return filepath.Join(home, ".valet"), nil
}

// Load resolves and parses the daemon configuration. An empty path walks the
// default search order; a completely absent config file yields the built-in
// defaults.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if resolved != "" {
		raw, err := LoadRaw(resolved)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", resolved, err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return path, nil
	}

	candidates := []string{"valet.yaml", "valet.json5"}
	if dir, err := DefaultStateDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(dir, "config.yaml"),
			filepath.Join(dir, "config.json5"),
		)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Daemon.StateDir, "VALET_STATE_DIR")
	setString(&cfg.Agent.Provider, "VALET_PROVIDER")
	setString(&cfg.Agent.Model, "VALET_MODEL")
	setString(&cfg.Agent.APIKey, "VALET_API_KEY")
	setString(&cfg.Agent.BaseURL, "VALET_BASE_URL")
	setString(&cfg.Agent.OAuthClientID, "VALET_OAUTH_CLIENT_ID")
	setString(&cfg.Database.URL, "VALET_DB_URL")
	setString(&cfg.Skills.Workspace, "VALET_SKILLS_DIR")
	setString(&cfg.Logging.Level, "VALET_LOG_LEVEL")
	setString(&cfg.Logging.Format, "VALET_LOG_FORMAT")

	// A channel token in the environment also switches the channel on, so a
	// bare `VALET_TELEGRAM_TOKEN=... valet start` works without a file.
	if v := os.Getenv("VALET_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.BotToken = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("VALET_DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.BotToken = v
		cfg.Channels.Discord.Enabled = true
	}
	if v := os.Getenv("VALET_SLACK_BOT_TOKEN"); v != "" {
		cfg.Channels.Slack.BotToken = v
		cfg.Channels.Slack.Enabled = true
	}
	setString(&cfg.Channels.Slack.AppToken, "VALET_SLACK_APP_TOKEN")
}

func applyDefaults(cfg *Config) error {
	if cfg.Daemon.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return err
		}
		cfg.Daemon.StateDir = dir
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	preset, _ := Preset(cfg.Agent.Provider)
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = preset.DefaultModel
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = preset.BaseURL
	}
	if cfg.Agent.MaxRounds == 0 {
		cfg.Agent.MaxRounds = 30
	}
	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = 2 * time.Minute
	}
	if cfg.Agent.HistoryWindow == 0 {
		cfg.Agent.HistoryWindow = 40
	}

	if cfg.Database.Driver == "" {
		if strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://") {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = filepath.Join(cfg.Daemon.StateDir, "valet.db")
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Channels.WhatsApp.DBPath == "" {
		cfg.Channels.WhatsApp.DBPath = filepath.Join(cfg.Daemon.StateDir, "whatsapp.db")
	}
	if cfg.Channels.WebSocket.Path == "" {
		cfg.Channels.WebSocket.Path = "/ws"
	}

	if cfg.Tools.Approval.Mode == "" {
		cfg.Tools.Approval.Mode = ApprovalPrompt
	}
	if cfg.Tools.Approval.Timeout == 0 {
		cfg.Tools.Approval.Timeout = 2 * time.Minute
	}
	if cfg.Tools.Shell.Timeout == 0 {
		cfg.Tools.Shell.Timeout = 30 * time.Second
	}
	if cfg.Tools.Container.Engine == "" {
		cfg.Tools.Container.Engine = "auto"
	}
	if cfg.Tools.Container.Image == "" {
		cfg.Tools.Container.Image = "alpine:3.20"
	}
	if cfg.Tools.Container.Timeout == 0 {
		cfg.Tools.Container.Timeout = 30 * time.Second
	}
	if cfg.Tools.Screen.MaxDim == 0 {
		cfg.Tools.Screen.MaxDim = 1568
	}
	if cfg.Tools.Wasm.Timeout == 0 {
		cfg.Tools.Wasm.Timeout = 30 * time.Second
	}
	if cfg.Tools.Wasm.MemoryLimitMB == 0 {
		cfg.Tools.Wasm.MemoryLimitMB = 64
	}
	if cfg.Tools.OutputLimit == 0 {
		cfg.Tools.OutputLimit = 10000
	}
	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 4
	}

	if cfg.Skills.Workspace == "" {
		cfg.Skills.Workspace = filepath.Join(cfg.Daemon.StateDir, "skills")
	}
	if cfg.Skills.Watch == nil {
		watch := true
		cfg.Skills.Watch = &watch
	}

	if cfg.Gateway.HTTPAddr == "" {
		cfg.Gateway.HTTPAddr = "127.0.0.1:8787"
	}
	if cfg.Gateway.QueueSize == 0 {
		cfg.Gateway.QueueSize = 16
	}
	if cfg.Gateway.Workers == 0 {
		cfg.Gateway.Workers = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Tracing.Endpoint != "" && cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	return nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	preset, ok := Preset(c.Agent.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", c.Agent.Provider, strings.Join(Presets(), ", "))
	}
	if preset.Name == "custom" && c.Agent.BaseURL == "" {
		return fmt.Errorf("provider %q requires agent.base_url", c.Agent.Provider)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("provider %q requires agent.model", c.Agent.Provider)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Tools.Approval.Mode {
	case ApprovalPrompt, ApprovalAllow, ApprovalDeny:
	default:
		return fmt.Errorf("unknown approval mode %q", c.Tools.Approval.Mode)
	}

	switch c.Tools.Container.Engine {
	case "auto", "docker", "podman", "none":
	default:
		return fmt.Errorf("unknown container engine %q", c.Tools.Container.Engine)
	}

	for i := range c.Schedule {
		if err := c.Schedule[i].Validate(); err != nil {
			return fmt.Errorf("schedule[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks that the rule names exactly one trigger and has a prompt.
func (r *ScheduleRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	triggers := 0
	if r.At != "" {
		triggers++
	}
	if r.Every != 0 {
		triggers++
	}
	if r.Cron != "" {
		triggers++
	}
	if triggers != 1 {
		return fmt.Errorf("exactly one of at, every, or cron must be set")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// WatchSkills reports whether the skill workspace watcher should run.
func (c *Config) WatchSkills() bool {
	return c.Skills.Watch == nil || *c.Skills.Watch
}

// CredentialsPath returns the credential store location inside the state dir.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.Daemon.StateDir, "credentials.yaml")
}

// PIDPath returns the daemon pidfile location inside the state dir.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Daemon.StateDir, "valet.pid")
}
