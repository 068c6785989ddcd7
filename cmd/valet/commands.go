package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Start Command
// =============================================================================

// buildStartCmd creates the "start" command that runs the daemon in the
// foreground.
func buildStartCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the valet daemon in the foreground",
		Long: `Start the daemon: connect the configured channels, load skills, and
serve the gateway until interrupted.

The daemon holds an exclusive pidfile in the state directory, so a second
start against the same state directory fails fast.`,
		Example: `  # Run with the default config search order
  valet start

  # Run against an explicit config file
  valet start --config ./valet.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Force debug log level")
	return cmd
}

// =============================================================================
// Auth Commands
// =============================================================================

// buildAuthCmd creates the "auth" command group for provider credentials.
func buildAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(buildAuthLoginCmd(), buildAuthStatusCmd(), buildAuthLogoutCmd())
	return cmd
}

func buildAuthLoginCmd() *cobra.Command {
	var (
		configPath string
		apiKey     string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "login [provider]",
		Short: "Store a credential for a provider",
		Long: `Store a credential in the daemon's credential file.

With --api-key the key is stored directly. Without it, providers that
support browser login run an OAuth flow: the authorization page opens in
your browser and the redirect is captured locally.

The provider defaults to the one configured in agent.provider.`,
		Example: `  # Store an API key
  valet auth login anthropic --api-key sk-ant-...

  # Browser login for providers that support it
  valet auth login openai`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := ""
			if len(args) > 0 {
				provider = args[0]
			}
			return runAuthLogin(cmd, configPath, provider, apiKey, port)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Store this API key instead of running browser login")
	cmd.Flags().IntVar(&port, "port", 0, "Local port for the OAuth callback server")
	return cmd
}

func buildAuthStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildAuthLogoutCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "logout [provider]",
		Short: "Delete a stored credential",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := ""
			if len(args) > 0 {
				provider = args[0]
			}
			return runAuthLogout(cmd, configPath, provider)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Models Command
// =============================================================================

func buildModelsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List known providers and their default models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage conversation sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsHistoryCmd(), buildSessionsDeleteCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		adapter    string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath, adapter, limit, offset)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&adapter, "adapter", "", "Only sessions on this channel adapter (telegram, discord, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of sessions to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of sessions to skip")
	return cmd
}

func buildSessionsHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show recent messages for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsHistory(cmd, configPath, args[0], limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of messages to return")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Skills Commands
// =============================================================================

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect skills (SKILL.md-based)",
		Long: `Inspect skills discovered in the skill workspace.

A skill is a directory containing a SKILL.md manifest, or a flat <name>.md
file at the workspace root for prompt-only skills. Directory skills expose
a callable tool; the execution mode in the manifest picks subprocess or
wasm dispatch.`,
	}
	cmd.AddCommand(buildSkillsListCmd(), buildSkillsShowCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildSkillsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one skill's manifest details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Schedule Commands
// =============================================================================

// buildScheduleCmd creates the "schedule" command group.
func buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and fire schedule rules",
	}
	cmd.AddCommand(buildScheduleListCmd(), buildScheduleRunCmd())
	return cmd
}

func buildScheduleListCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedule rules and their next run times",
		Long: `List schedule rules.

When the daemon is running the live schedule is fetched from its gateway,
including last-run results. Otherwise the rules are read from configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleList(cmd, configPath, serverAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (default: gateway.http_addr from config)")
	return cmd
}

func buildScheduleRunCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Fire a schedule rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleRun(cmd, configPath, serverAddr, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (default: gateway.http_addr from config)")
	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and channel health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, serverAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (default: gateway.http_addr from config)")
	return cmd
}

// =============================================================================
// Channels Commands
// =============================================================================

// buildChannelsCmd creates the "channels" command group.
func buildChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect messaging channels",
	}
	cmd.AddCommand(buildChannelsListCmd(), buildChannelsStatusCmd())
	return cmd
}

func buildChannelsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels defined in the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildChannelsStatusCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection state for the running daemon's channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsStatus(cmd, configPath, serverAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (default: gateway.http_addr from config)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Service Commands
// =============================================================================

// buildServiceCmd creates the "service" command group for installing the
// daemon as a user-level service.
func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install the daemon as a user-level service",
		Long: `Install, inspect, and remove the background service that keeps the
daemon running across logins.

The mechanism depends on the platform: a LaunchAgent on macOS, a systemd
user unit on Linux, and a Scheduled Task on Windows.`,
	}
	cmd.AddCommand(
		buildServiceInstallCmd(),
		buildServiceUninstallCmd(),
		buildServiceRestartCmd(),
		buildServiceStatusCmd(),
	)
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the service and remove its definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceUninstall(cmd)
		},
	}
}

func buildServiceRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceRestart(cmd)
		},
	}
}

func buildServiceStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service installation and runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}
}
