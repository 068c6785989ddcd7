package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/credentials"
	"github.com/haasonsaas/valet/internal/cron"
	"github.com/haasonsaas/valet/internal/daemon"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/skills"
	"github.com/haasonsaas/valet/pkg/models"
)

// =============================================================================
// Start Command Handler
// =============================================================================

// runStart implements the start command: load configuration and run the
// daemon until the context is cancelled or a fatal error occurs.
func runStart(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	slog.Info("starting valet daemon",
		"version", version,
		"commit", commit,
		"state_dir", cfg.Daemon.StateDir,
	)

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Version: version,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Run(cmd.Context())
}

// =============================================================================
// Auth Command Handlers
// =============================================================================

func runAuthLogin(cmd *cobra.Command, configPath, provider, apiKey string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(provider) == "" {
		provider = cfg.Agent.Provider
	}
	preset, ok := config.Preset(provider)
	if !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(config.Presets(), ", "))
	}

	store := credentials.NewFileStore(cfg.CredentialsPath())
	out := cmd.OutOrStdout()

	if apiKey != "" {
		if err := store.Put(preset.Name, &credentials.Credential{APIKey: apiKey}); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}
		fmt.Fprintf(out, "API key stored for %s in %s\n", preset.Name, store.Path())
		return nil
	}

	cred, err := credentials.Login(cmd.Context(), store, preset, credentials.LoginOptions{
		ClientID: cfg.Agent.OAuthClientID,
		Port:     port,
		Out:      out,
	})
	if err != nil {
		return err
	}
	if cred.AccountID != "" {
		fmt.Fprintf(out, "Logged in to %s as %s\n", preset.Name, cred.AccountID)
	} else {
		fmt.Fprintf(out, "Logged in to %s\n", preset.Name)
	}
	return nil
}

func runAuthStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := credentials.NewFileStore(cfg.CredentialsPath())
	entries, err := store.Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tKIND\tACCOUNT\tEXPIRES")
	for _, entry := range entries {
		account := entry.AccountID
		if account == "" {
			account = "-"
		}
		expires := "-"
		if !entry.ExpiresAt.IsZero() {
			expires = entry.ExpiresAt.Format(time.RFC3339)
			if entry.ExpiresAt.Before(time.Now()) {
				// OAuth tokens past expiry refresh on next use.
				expires += " (stale)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Provider, entry.Kind, account, expires)
	}
	return w.Flush()
}

func runAuthLogout(cmd *cobra.Command, configPath, provider string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(provider) == "" {
		provider = cfg.Agent.Provider
	}

	store := credentials.NewFileStore(cfg.CredentialsPath())
	if err := store.Delete(provider); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential removed for %s\n", provider)
	return nil
}

// =============================================================================
// Models Command Handler
// =============================================================================

func runModels(cmd *cobra.Command, configPath string) error {
	// Config load is best effort here; the presets are built in.
	active := ""
	activeModel := ""
	if cfg, err := config.Load(configPath); err == nil {
		active = cfg.Agent.Provider
		activeModel = cfg.Agent.Model
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tFAMILY\tMODEL\tLOGIN")
	for _, name := range config.Presets() {
		preset, ok := config.Preset(name)
		if !ok {
			continue
		}
		model := preset.DefaultModel
		if name == active && activeModel != "" {
			model = activeModel
		}
		if model == "" {
			model = "-"
		}
		login := "api key"
		switch {
		case preset.OAuth != nil:
			login = "api key, browser"
		case preset.KeyOptional:
			login = "api key optional"
		}
		marker := ""
		if name == active {
			marker = " (active)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", name, marker, preset.Family, model, login)
	}
	return w.Flush()
}

// =============================================================================
// Sessions Command Handlers
// =============================================================================

func runSessionsList(cmd *cobra.Command, configPath, adapter string, limit, offset int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	previews, err := store.List(cmd.Context(), sessions.ListOptions{
		Adapter: models.ChannelType(strings.TrimSpace(adapter)),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(previews) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tPROVIDER\tMODEL\tUPDATED\tPREVIEW")
	for _, preview := range previews {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			preview.ID,
			preview.ChannelID,
			preview.Provider,
			preview.Model,
			preview.UpdatedAt.Format(time.RFC3339),
			collapseWhitespace(preview.Preview),
		)
	}
	return w.Flush()
}

func runSessionsHistory(cmd *cobra.Command, configPath, sessionID string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	if limit <= 0 {
		limit = 50
	}
	msgs, err := store.GetHistory(cmd.Context(), sessionID, limit)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROLE\tCONTENT")
	for _, msg := range msgs {
		content := collapseWhitespace(msg.Content)
		if content == "" && msg.ToolName != "" {
			content = "[" + msg.ToolName + "]"
		}
		if runes := []rune(content); len(runes) > 120 {
			content = string(runes[:117]) + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", msg.CreatedAt.Format(time.RFC3339), msg.Role, content)
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), sessionID); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", sessionID)
	return nil
}

// openSessionStore opens the store the daemon is configured to use. CLI
// reads against SQLite are safe alongside a running daemon because the
// store runs in WAL mode.
func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return sessions.NewPostgresStore(cfg.Database.URL, sessions.PostgresOptions{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
	}
	return sessions.NewSQLiteStore(cfg.Database.URL)
}

// collapseWhitespace flattens runs of whitespace, including newlines,
// so content cannot break a tabwriter row.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// Skills Command Handlers
// =============================================================================

func runSkillsList(cmd *cobra.Command, configPath string) error {
	loader, err := openSkillLoader(configPath)
	if err != nil {
		return err
	}
	list, err := loader.Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("skill discovery failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintf(out, "No skills found in %s.\n", loader.Workspace())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tDESCRIPTION")
	for _, skill := range list {
		mode := string(skill.Mode)
		if skill.Dir == "" {
			mode = "prompt"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", skill.Name, mode, collapseWhitespace(skill.Description))
	}
	return w.Flush()
}

func runSkillsShow(cmd *cobra.Command, configPath, name string) error {
	loader, err := openSkillLoader(configPath)
	if err != nil {
		return err
	}
	list, err := loader.Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("skill discovery failed: %w", err)
	}

	var found *skills.Skill
	for _, skill := range list {
		if skill.Name == name {
			found = skill
			break
		}
	}
	if found == nil {
		return fmt.Errorf("skill %q not found in %s", name, loader.Workspace())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name: %s\n", found.Name)
	if found.Description != "" {
		fmt.Fprintf(out, "Description: %s\n", found.Description)
	}
	if found.Dir != "" {
		fmt.Fprintf(out, "Mode: %s\n", found.Mode)
		fmt.Fprintf(out, "Tool: %s\n", found.ToolName())
	} else {
		fmt.Fprintln(out, "Mode: prompt only")
	}
	if found.Image != "" {
		fmt.Fprintf(out, "Image: %s\n", found.Image)
	}
	fmt.Fprintf(out, "Manifest: %s\n", found.Path)
	if body := strings.TrimSpace(found.Content); body != "" {
		fmt.Fprintf(out, "\n%s\n", body)
	}
	return nil
}

func openSkillLoader(configPath string) (*skills.Loader, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return skills.NewLoader(cfg.Skills.Workspace, slog.Default()), nil
}

// =============================================================================
// Schedule Command Handlers
// =============================================================================

func runScheduleList(cmd *cobra.Command, configPath, serverAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	views, live, err := loadScheduleViews(cmd.Context(), cfg, serverAddr)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !live {
		fmt.Fprintln(out, "Daemon not reachable; showing configured rules.")
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No schedule rules configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRIGGER\tCHANNEL\tENABLED\tNEXT RUN\tLAST RUN\tLAST ERROR")
	for _, view := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			view.Name,
			view.Trigger,
			view.Channel,
			view.Enabled,
			orDash(view.NextRun),
			orDash(view.LastRun),
			orDash(collapseWhitespace(view.LastError)),
		)
	}
	return w.Flush()
}

func runScheduleRun(cmd *cobra.Command, configPath, serverAddr, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	baseURL, err := resolveHTTPBaseURL(cfg, serverAddr)
	if err != nil {
		return err
	}

	client := newAPIClient(baseURL)
	path := "/schedule/run?name=" + url.QueryEscape(name)
	var result map[string]string
	if err := client.postJSON(cmd.Context(), path, nil, &result); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Fired schedule rule %s\n", name)
	return nil
}

// loadScheduleViews fetches the live schedule from the daemon, falling
// back to next runs derived from configuration when the daemon is down.
// An explicitly requested server address never falls back.
func loadScheduleViews(ctx context.Context, cfg *config.Config, serverAddr string) ([]cron.JobView, bool, error) {
	var views []cron.JobView
	liveErr := func() error {
		baseURL, err := resolveHTTPBaseURL(cfg, serverAddr)
		if err != nil {
			return err
		}
		return newAPIClient(baseURL).getJSON(ctx, "/schedule", &views)
	}()
	if liveErr == nil {
		return views, true, nil
	}
	if strings.TrimSpace(serverAddr) != "" {
		return nil, false, liveErr
	}

	scheduler, err := cron.NewScheduler(cfg.Schedule,
		cron.InjectorFunc(func(*models.ChannelEvent) bool { return false }))
	if err != nil {
		return nil, false, err
	}
	jobs := scheduler.Jobs()
	views = make([]cron.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, cron.JobView{
			Name:    job.Name,
			Trigger: job.Schedule.String(),
			Channel: job.Channel,
			Enabled: job.Enabled,
			NextRun: job.NextRun.Format(time.RFC3339),
		})
	}
	return views, false, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// Channels Command Handlers
// =============================================================================

func runChannelsList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tokenNote := func(token string) string {
		if token == "" {
			return "missing token"
		}
		return "token set"
	}
	allowNote := func(n int) string {
		if n == 0 {
			return "open to all senders"
		}
		return fmt.Sprintf("%d allowed sender(s)", n)
	}

	type row struct {
		name    string
		enabled bool
		notes   string
	}
	rows := []row{
		{"cli", !cfg.Channels.CLI.Disabled, "terminal REPL"},
		{"telegram", cfg.Channels.Telegram.Enabled, tokenNote(cfg.Channels.Telegram.BotToken) + ", " + allowNote(len(cfg.Channels.Telegram.AllowedUsers))},
		{"discord", cfg.Channels.Discord.Enabled, tokenNote(cfg.Channels.Discord.BotToken) + ", " + allowNote(len(cfg.Channels.Discord.AllowedUsers))},
		{"slack", cfg.Channels.Slack.Enabled, tokenNote(cfg.Channels.Slack.BotToken) + ", " + allowNote(len(cfg.Channels.Slack.AllowedUsers))},
		{"whatsapp", cfg.Channels.WhatsApp.Enabled, allowNote(len(cfg.Channels.WhatsApp.AllowedJIDs))},
		{"websocket", cfg.Channels.WebSocket.Enabled, "path " + cfg.Channels.WebSocket.Path},
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tNOTES")
	for _, r := range rows {
		enabled := "no"
		if r.enabled {
			enabled = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.name, enabled, r.notes)
	}
	return w.Flush()
}

func runChannelsStatus(cmd *cobra.Command, configPath, serverAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	baseURL, err := resolveHTTPBaseURL(cfg, serverAddr)
	if err != nil {
		return err
	}
	var report healthReport
	if err := newAPIClient(baseURL).getJSON(cmd.Context(), "/healthz", &report); err != nil {
		fmt.Fprintln(out, "Daemon not running.")
		return nil
	}
	printChannelStates(out, report.Channels)
	return nil
}

func printChannelStates(out io.Writer, states map[string]channels.Status) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No channels connected.")
		return
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "Channels:")
	for _, name := range names {
		st := states[name]
		state := "disconnected"
		if st.Connected {
			state = "connected"
		}
		if st.Error != "" {
			fmt.Fprintf(out, "  - %s: %s (%s)\n", name, state, st.Error)
		} else {
			fmt.Fprintf(out, "  - %s: %s\n", name, state)
		}
	}
}

// =============================================================================
// Status Command Handler
// =============================================================================

func runStatus(cmd *cobra.Command, configPath, serverAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()

	var report healthReport
	liveErr := func() error {
		baseURL, err := resolveHTTPBaseURL(cfg, serverAddr)
		if err != nil {
			return err
		}
		return newAPIClient(baseURL).getJSON(cmd.Context(), "/healthz", &report)
	}()

	if liveErr != nil {
		if pid, alive, _ := daemon.ReadPidFile(cfg.PIDPath()); alive {
			fmt.Fprintf(out, "Daemon running (pid %d) but gateway unreachable: %v\n", pid, liveErr)
		} else {
			fmt.Fprintln(out, "Daemon not running.")
		}
		return nil
	}

	fmt.Fprintf(out, "Daemon: %s\n", report.Status)
	if pid, alive, _ := daemon.ReadPidFile(cfg.PIDPath()); alive {
		fmt.Fprintf(out, "PID: %d\n", pid)
	}
	printChannelStates(out, report.Channels)
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	redactConfigSecrets(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
	return nil
}

// redactConfigSecrets masks token material before the config is printed.
func redactConfigSecrets(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "[redacted]"
		}
	}
	mask(&cfg.Agent.APIKey)
	mask(&cfg.Channels.Telegram.BotToken)
	mask(&cfg.Channels.Discord.BotToken)
	mask(&cfg.Channels.Slack.BotToken)
	mask(&cfg.Channels.Slack.AppToken)
	mask(&cfg.Channels.WebSocket.Token)
}

// =============================================================================
// Service Command Handlers
// =============================================================================

func runServiceInstall(cmd *cobra.Command, configPath string) error {
	manager := daemon.GetServiceManager()
	if manager == nil {
		return fmt.Errorf("no service mechanism is supported on %s", runtime.GOOS)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	args := []string{exe, "start"}
	if strings.TrimSpace(configPath) != "" {
		// A broken config would crash-loop under the service manager's
		// keep-alive, so validate it before installing.
		if _, err := config.Load(configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}

	env := daemon.OSEnv(os.Environ())
	if version != "dev" {
		env[daemon.EnvServiceVersion] = version
	}

	serviceEnv := map[string]string{}
	for _, key := range []string{daemon.EnvStateDir, daemon.EnvProfile} {
		if v := env[key]; v != "" {
			serviceEnv[key] = v
		}
	}

	home, _ := os.UserHomeDir()

	result, err := manager.Install(daemon.InstallOptions{
		Env:              env,
		ProgramArguments: args,
		WorkingDirectory: home,
		Environment:      serviceEnv,
	})
	if err != nil {
		return fmt.Errorf("install %s service: %w", manager.Label(), err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s installed: %s\n", manager.Label(), result.Path)
	fmt.Fprintln(out, "The daemon starts now and on every login.")
	return nil
}

func runServiceUninstall(cmd *cobra.Command) error {
	manager := daemon.GetServiceManager()
	if manager == nil {
		return fmt.Errorf("no service mechanism is supported on %s", runtime.GOOS)
	}
	if err := manager.Uninstall(daemon.OSEnv(os.Environ())); err != nil {
		return fmt.Errorf("uninstall %s service: %w", manager.Label(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s removed.\n", manager.Label())
	return nil
}

func runServiceRestart(cmd *cobra.Command) error {
	manager := daemon.GetServiceManager()
	if manager == nil {
		return fmt.Errorf("no service mechanism is supported on %s", runtime.GOOS)
	}
	if err := manager.Restart(daemon.OSEnv(os.Environ())); err != nil {
		return fmt.Errorf("restart %s service: %w", manager.Label(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s restarted.\n", manager.Label())
	return nil
}

func runServiceStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	manager := daemon.GetServiceManager()
	if manager == nil {
		fmt.Fprintf(out, "No service mechanism is supported on %s.\n", runtime.GOOS)
		return nil
	}
	env := daemon.OSEnv(os.Environ())

	installed, err := manager.IsInstalled(env)
	switch {
	case err != nil:
		fmt.Fprintf(out, "%s: state unknown (%v)\n", manager.Label(), err)
	case installed:
		fmt.Fprintf(out, "%s: installed\n", manager.Label())
	default:
		fmt.Fprintf(out, "%s: not installed\n", manager.Label())
	}

	if rt, err := manager.Runtime(env); err == nil && rt != nil {
		printServiceRuntime(out, rt)
	}
	printServiceCommand(out, env)

	// The pidfile says whether a daemon process is actually alive,
	// service-managed or started by hand.
	if cfg, err := config.Load(configPath); err == nil {
		if pid, alive, _ := daemon.ReadPidFile(cfg.PIDPath()); alive {
			fmt.Fprintf(out, "Daemon process: running (pid %d)\n", pid)
		} else {
			fmt.Fprintln(out, "Daemon process: not running")
		}
	}
	return nil
}

func printServiceRuntime(out io.Writer, rt *daemon.ServiceRuntime) {
	status := rt.Status
	if status == "" {
		status = "unknown"
	}
	fmt.Fprintf(out, "Runtime: %s", status)

	var details []string
	if rt.State != "" {
		details = append(details, "state "+rt.State)
	}
	if rt.SubState != "" {
		details = append(details, "sub-state "+rt.SubState)
	}
	if rt.PID > 0 {
		details = append(details, fmt.Sprintf("pid %d", rt.PID))
	}
	if len(details) > 0 {
		fmt.Fprintf(out, " (%s)", strings.Join(details, ", "))
	}
	fmt.Fprintln(out)

	if rt.LastExitReason != "" {
		fmt.Fprintf(out, "Last exit: %s (code %d)\n", rt.LastExitReason, rt.LastExitStatus)
	}
	if rt.LastRunTime != "" {
		fmt.Fprintf(out, "Last run: %s", rt.LastRunTime)
		if rt.LastRunResult != "" {
			fmt.Fprintf(out, " (result %s)", rt.LastRunResult)
		}
		fmt.Fprintln(out)
	}
	if rt.MissingUnit {
		fmt.Fprintln(out, "Service definition is missing; run `valet service install`.")
	}
	if rt.Detail != "" {
		fmt.Fprintf(out, "Detail: %s\n", rt.Detail)
	}
}

// printServiceCommand shows the command line the installed service runs,
// read back from the service definition on platforms that support it.
func printServiceCommand(out io.Writer, env map[string]string) {
	var (
		args    []string
		workdir string
		err     error
	)
	switch runtime.GOOS {
	case "linux":
		args, workdir, _, err = daemon.ReadSystemdServiceExecStart(env)
	case "windows":
		args, workdir, _, err = daemon.ReadScheduledTaskCommand(env)
	default:
		return
	}
	if err != nil || len(args) == 0 {
		return
	}
	fmt.Fprintf(out, "Command: %s\n", strings.Join(args, " "))
	if workdir != "" {
		fmt.Fprintf(out, "Working directory: %s\n", workdir)
	}
}

// =============================================================================
// Version Command Handler
// =============================================================================

func runVersion(cmd *cobra.Command) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "valet %s (commit: %s, built: %s)\n", version, commit, date)
	return err
}
