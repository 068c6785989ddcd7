// Package main provides the CLI entry point for the valet personal agent daemon.
//
// Valet connects chat channels (terminal, Telegram, Discord, Slack, WhatsApp,
// WebSocket) to LLM providers (Anthropic, OpenAI, Google, Bedrock) and lets
// the model act on the local machine through shell, browser, screen capture,
// and skill tools.
//
// # Basic Usage
//
// Run the daemon in the foreground:
//
//	valet start
//
// Store provider credentials:
//
//	valet auth login anthropic --api-key sk-ant-...
//	valet auth login openai
//
// Inspect a running daemon:
//
//	valet status
//	valet schedule list
//
// Install the daemon as a user-level service:
//
//	valet service install
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - VALET_STATE_DIR: State directory (default: ~/.valet)
//   - VALET_PROVIDER: Default LLM provider
//   - VALET_MODEL: Default model for the provider
//   - VALET_API_KEY: API key for the default provider
//   - VALET_TELEGRAM_TOKEN: Telegram bot token (also enables the channel)
//   - VALET_DISCORD_TOKEN: Discord bot token (also enables the channel)
//   - VALET_SLACK_BOT_TOKEN: Slack bot OAuth token (also enables the channel)
//   - VALET_LOG_LEVEL: Log level (debug, info, warn, error)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging for everything that happens before the daemon
	// builds its own logger from configuration.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - a personal AI agent that lives on your machine",
		Long: `Valet is a local daemon that connects chat channels to LLM providers and
lets the model act on your machine through tools.

Supported channels: terminal, Telegram, Discord, Slack, WhatsApp, WebSocket
Supported LLM providers: Anthropic, OpenAI, Google, Bedrock, and OpenAI-compatible endpoints
Available tools: shell, browser automation, screen capture, sandboxed skills

Documentation: https://github.com/haasonsaas/valet`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildStartCmd(),
		buildAuthCmd(),
		buildModelsCmd(),
		buildSessionsCmd(),
		buildSkillsCmd(),
		buildScheduleCmd(),
		buildChannelsCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
		buildServiceCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
