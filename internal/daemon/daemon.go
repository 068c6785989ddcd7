package daemon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/agent/providers"
	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/channels/cli"
	"github.com/haasonsaas/valet/internal/channels/discord"
	"github.com/haasonsaas/valet/internal/channels/slack"
	"github.com/haasonsaas/valet/internal/channels/telegram"
	"github.com/haasonsaas/valet/internal/channels/websocket"
	"github.com/haasonsaas/valet/internal/channels/whatsapp"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/credentials"
	"github.com/haasonsaas/valet/internal/cron"
	"github.com/haasonsaas/valet/internal/gateway"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/skills"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/tools/sandbox"
	"github.com/haasonsaas/valet/pkg/models"
)

// shutdownTimeout bounds graceful teardown after a stop signal. In-flight
// turns get cancelled immediately; this is how long we wait for final
// response deliveries and server close.
const shutdownTimeout = 30 * time.Second

// toolTimeoutCeiling is the executor deadline for tools that accept a
// per-call timeout_secs argument. It sits above the 300s the tools clamp
// to, so the executor never fires before the tool's own deadline.
const toolTimeoutCeiling = 310 * time.Second

// browserTimeout bounds one browser operation including a cold Chrome
// launch.
const browserTimeout = 60 * time.Second

// Options configures a Daemon.
type Options struct {
	Config  *config.Config
	Version string

	// Logger overrides the config-derived logger. Tests use it.
	Logger *slog.Logger
}

// Daemon is one valet process: the agent runtime, the channel adapters,
// the gateway, and the scheduler, assembled from configuration. New
// prepares the logger; Run owns everything else for its lifetime.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	logFile *os.File
}

// New validates the configuration and prepares the daemon logger. The
// heavyweight pieces are built inside Run so a failed start never leaks
// half a daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}

	d := &Daemon{cfg: opts.Config, version: opts.Version, logger: opts.Logger}
	if d.logger == nil {
		var output io.Writer
		if path := opts.Config.Logging.File; path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, fmt.Errorf("open log file: %w", err)
			}
			d.logFile = f
			output = f
		}
		d.logger = observability.NewLogger(observability.LogConfig{
			Level:  opts.Config.Logging.Level,
			Format: opts.Config.Logging.Format,
			Output: output,
		})
	}
	return d, nil
}

// Close releases resources held since New. Call it after Run returns.
func (d *Daemon) Close() error {
	if d.logFile != nil {
		return d.logFile.Close()
	}
	return nil
}

// Run assembles the daemon from its configuration, starts it, and blocks
// until the context is cancelled or a stop signal arrives. It returns
// after graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := d.cfg
	logger := d.logger

	if err := os.MkdirAll(cfg.Daemon.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	pid, err := AcquirePidFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer pid.Release()

	_, shutdownTraces := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "valet",
		ServiceVersion: d.version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(flushCtx); err != nil {
			logger.Warn("trace export shutdown", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	registry := tools.NewRegistry(logger)
	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		MaxConcurrency: cfg.Tools.Concurrency,
	}, logger)
	browser, err := registerTools(registry, executor, cfg, logger)
	if err != nil {
		return err
	}
	if browser != nil {
		defer browser.Close()
	}

	wasm := sandbox.NewWasmRunner(sandbox.WasmConfig{
		Timeout:       cfg.Tools.Wasm.Timeout,
		MemoryLimitMB: cfg.Tools.Wasm.MemoryLimitMB,
		Logger:        logger,
	})
	manager := skills.NewManager(skills.NewLoader(cfg.Skills.Workspace, logger), registry, wasm, 0, logger)
	if err := manager.Reload(ctx); err != nil {
		logger.Warn("initial skill load failed", "error", err)
	}
	if cfg.WatchSkills() {
		if err := manager.StartWatching(ctx); err != nil {
			logger.Warn("skill watching unavailable", "error", err)
		}
	}
	defer manager.Close()

	chanReg, wsHandler, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}

	router := gateway.NewRouter(gateway.RouterOptions{
		Store:     store,
		Registry:  chanReg,
		Provider:  cfg.Agent.Provider,
		Model:     cfg.Agent.Model,
		QueueSize: cfg.Gateway.QueueSize,
		Logger:    logger,
	})
	broker := gateway.NewApprovalBroker(router, logger)

	runtime, err := agent.NewRuntime(agent.RuntimeOptions{
		Store:    store,
		Registry: registry,
		Executor: executor,
		Resolver: newProviderResolver(credentials.NewFileStore(cfg.CredentialsPath()), cfg),
		Skills:   manager,
		Approver: broker,
		Config: agent.Config{
			SystemPrompt:   cfg.Agent.SystemPrompt,
			MaxRounds:      cfg.Agent.MaxRounds,
			RequestTimeout: cfg.Agent.RequestTimeout,
			HistoryWindow:  cfg.Agent.HistoryWindow,
			OutputCap:      cfg.Tools.OutputLimit,
			Approval: agent.ApprovalPolicy{
				Mode:      agent.ApprovalMode(cfg.Tools.Approval.Mode),
				AutoAllow: cfg.Tools.Approval.AutoAllow,
				Timeout:   cfg.Tools.Approval.Timeout,
			},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// The scheduler injects through the server and the server mounts the
	// scheduler's handler; the late-bound srv variable closes the cycle.
	// Inject is not called until Start, by which time srv is set.
	var srv *gateway.Server
	scheduler, err := cron.NewScheduler(cfg.Schedule,
		cron.InjectorFunc(func(evt *models.ChannelEvent) bool { return srv.Inject(evt) }),
		cron.WithLogger(logger),
		cron.WithSinkRegistry(router),
	)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	scheduleHandler := cron.NewHandler(scheduler, logger)

	srv, err = gateway.NewServer(gateway.Options{
		Config:    cfg,
		Registry:  chanReg,
		Router:    router,
		Broker:    broker,
		Runner:    runtime,
		Store:     store,
		Metrics:   metrics,
		WSHandler: wsHandler,
		ExtraHandlers: map[string]http.Handler{
			"/schedule":  scheduleHandler,
			"/schedule/": scheduleHandler,
		},
		Authorize: buildAuthorizer(&cfg.Channels),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Stop(stopCtx)
		return fmt.Errorf("start gateway: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Warn("scheduler start failed", "error", err)
	}

	logger.Info("valet daemon running",
		"version", d.version,
		"pid", os.Getpid(),
		"state_dir", cfg.Daemon.StateDir,
		"provider", cfg.Agent.Provider,
		"model", cfg.Agent.Model)

	<-ctx.Done()
	stop()

	logger.Info("daemon shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Scheduler first so no synthetic events land mid-drain.
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	logger.Info("daemon stopped")
	return nil
}

// openStore opens the configured session store.
func openStore(cfg *config.Config) (sessions.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return sessions.NewPostgresStore(cfg.Database.URL, sessions.PostgresOptions{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
	}
	return sessions.NewSQLiteStore(cfg.Database.URL)
}

// registerTools installs the built-in tools. The returned browser is
// non-nil when browser tools are enabled; the caller closes it on exit.
func registerTools(registry *tools.Registry, executor *tools.Executor, cfg *config.Config, logger *slog.Logger) (*tools.Browser, error) {
	register := func(tool tools.Tool) error {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
		return nil
	}

	if err := register(tools.NewShellTool(tools.ShellConfig{
		Shell:       cfg.Tools.Shell.Shell,
		Workdir:     cfg.Tools.Shell.Workdir,
		Timeout:     cfg.Tools.Shell.Timeout,
		OutputLimit: cfg.Tools.OutputLimit,
	})); err != nil {
		return nil, err
	}
	executor.SetTimeout("shell.run", toolTimeoutCeiling)

	if err := register(tools.NewScreenTool(tools.ScreenConfig{
		MaxDim: cfg.Tools.Screen.MaxDim,
	})); err != nil {
		return nil, err
	}

	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Engine:    cfg.Tools.Container.Engine,
		Image:     cfg.Tools.Container.Image,
		Timeout:   cfg.Tools.Container.Timeout,
		Workspace: cfg.Skills.Workspace,
		Logger:    logger,
	})
	if err := register(tools.NewContainerTool(runner, cfg.Tools.Container.Timeout, cfg.Tools.OutputLimit)); err != nil {
		return nil, err
	}
	executor.SetTimeout("container.run", toolTimeoutCeiling)

	if !cfg.Tools.Browser.Enabled {
		return nil, nil
	}
	browser := tools.NewBrowser(tools.BrowserConfig{
		DebuggerURL: cfg.Tools.Browser.DebuggerURL,
		Headless:    cfg.Tools.Browser.Headless,
	})
	for _, tool := range []tools.Tool{
		tools.NewBrowserNavigateTool(browser),
		tools.NewBrowserClickTool(browser),
		tools.NewBrowserTypeTool(browser),
		tools.NewBrowserScreenshotTool(browser),
	} {
		if err := register(tool); err != nil {
			browser.Close()
			return nil, err
		}
		executor.SetTimeout(tool.Name(), browserTimeout)
	}
	return browser, nil
}

// buildChannels constructs the adapters the configuration enables. The
// returned handler serves websocket upgrades when that channel is on.
func buildChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*channels.Registry, http.Handler, error) {
	registry := channels.NewRegistry()

	// The terminal REPL only makes sense attached to a console; service
	// installs run without one.
	if !cfg.Channels.CLI.Disabled && term.IsTerminal(int(os.Stdin.Fd())) {
		registry.Register(cli.NewAdapter(cli.Config{Logger: logger}))
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  cfg.Channels.Telegram.BotToken,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("telegram channel: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:  cfg.Channels.Discord.BotToken,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("discord channel: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("slack channel: %w", err)
		}
		registry.Register(adapter)
	}

	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.NewAdapter(ctx, whatsapp.Config{
			DBPath:      cfg.Channels.WhatsApp.DBPath,
			QRImagePath: filepath.Join(cfg.Daemon.StateDir, "whatsapp-qr.png"),
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp channel: %w", err)
		}
		registry.Register(adapter)
	}

	var wsHandler http.Handler
	if cfg.Channels.WebSocket.Enabled {
		adapter := websocket.NewAdapter(websocket.Config{Logger: logger})
		registry.Register(adapter)
		wsHandler = adapter.Handler()
		if token := cfg.Channels.WebSocket.Token; token != "" {
			wsHandler = requireToken(token, wsHandler)
		}
	}

	return registry, wsHandler, nil
}

// requireToken guards the websocket upgrade with a constant-time token
// check. The token travels as a query parameter because browser
// WebSocket clients cannot set request headers.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supplied := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// providerResolver builds model backends on demand. Credentials are
// re-resolved on every lookup so an OAuth refresh takes effect without
// a restart; the constructed provider is reused until its secret
// changes.
type providerResolver struct {
	creds *credentials.Resolver
	cfg   *config.Config

	mu     sync.Mutex
	cached map[string]cachedProvider
}

type cachedProvider struct {
	provider agent.Provider
	secret   string
}

func newProviderResolver(store *credentials.FileStore, cfg *config.Config) *providerResolver {
	return &providerResolver{
		creds:  credentials.NewResolver(store, cfg.Agent.OAuthClientID),
		cfg:    cfg,
		cached: make(map[string]cachedProvider),
	}
}

// Provider implements agent.ProviderResolver.
func (r *providerResolver) Provider(ctx context.Context, name string) (agent.Provider, error) {
	preset, ok := config.Preset(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %s)",
			name, strings.Join(config.Presets(), ", "))
	}

	// Config-file overrides apply only to the configured provider; a
	// session switched to another provider gets that provider's defaults.
	var configured, model, baseURL string
	if name == r.cfg.Agent.Provider {
		configured = r.cfg.Agent.APIKey
		model = r.cfg.Agent.Model
		baseURL = r.cfg.Agent.BaseURL
	}

	resolved, err := r.creds.Resolve(ctx, preset, configured)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cached[name]; ok && entry.secret == resolved.APIKey {
		return entry.provider, nil
	}

	provider, err := providers.New(ctx, providers.Options{
		Preset:    preset,
		Model:     model,
		BaseURL:   baseURL,
		APIKey:    resolved.APIKey,
		OAuth:     resolved.Source == credentials.SourceOAuth,
		AccountID: resolved.AccountID,
	})
	if err != nil {
		return nil, err
	}
	r.cached[name] = cachedProvider{provider: provider, secret: resolved.APIKey}
	return provider, nil
}
