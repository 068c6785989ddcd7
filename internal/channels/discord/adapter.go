// Package discord connects the gateway to Discord over the bot
// gateway websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/markdown"
	"github.com/haasonsaas/valet/pkg/models"
)

// messageLimit is Discord's maximum message length.
const messageLimit = 2000

// discordSession is the slice of *discordgo.Session the adapter uses,
// extracted so tests can substitute a mock.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord developer portal
	// (required).
	Token string

	// MaxReconnectAttempts bounds the initial connection retry loop.
	// Once connected, discordgo reconnects on its own.
	MaxReconnectAttempts int

	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration

	// RateLimit caps outbound API calls per second.
	RateLimit float64

	// RateBurst is the rate limiter burst capacity.
	RateBurst int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("discord token is required", nil)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config      Config
	session     discordSession
	events      chan *models.ChannelEvent
	status      channels.Status
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
	degraded    bool
	degradedMu  sync.RWMutex
}

// NewAdapter creates a Discord adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newAdapterWithSession(config, nil), nil
}

// newAdapterWithSession wires a prebuilt session, used by tests.
func newAdapterWithSession(config Config, session discordSession) *Adapter {
	return &Adapter{
		config:      config,
		session:     session,
		events:      make(chan *models.ChannelEvent, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelDiscord),
		logger:      config.Logger.With("adapter", "discord"),
	}
}

// Start opens the gateway connection and registers handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status.Connected {
		return channels.ErrInternal("adapter already started", nil)
	}

	a.logger.Info("starting discord adapter")

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			a.metrics.RecordError(channels.ErrCodeAuthentication)
			return channels.ErrAuthentication("failed to create session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.connectWithRetry(ctx); err != nil {
		a.cancel()
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to connect to Discord", err)
	}

	a.status = channels.Status{Connected: true, LastPing: time.Now().Unix()}
	a.metrics.RecordConnectionOpened()

	a.logger.Info("discord adapter started")
	return nil
}

// connectWithRetry opens the gateway session, retrying with a fixed
// delay while flagging degraded mode.
func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.config.MaxReconnectAttempts; attempt++ {
		err := a.session.Open()
		if err == nil {
			a.setDegraded(false)
			return nil
		}
		lastErr = err

		a.setDegraded(true)
		a.metrics.RecordReconnectAttempt()
		a.logger.Warn("discord connection failed",
			"error", lastErr,
			"attempt", attempt,
			"max_attempts", a.config.MaxReconnectAttempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.config.ReconnectDelay):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", a.config.MaxReconnectAttempts, lastErr)
}

// handleMessageCreate converts one inbound Discord message into a
// channel event.
func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	evt := convertMessage(m.Message)
	if evt == nil {
		return
	}

	a.logger.Debug("received message",
		"channel_id", evt.ChannelID,
		"length", len(evt.UserMessage))
	a.metrics.RecordEventReceived()

	select {
	case a.events <- evt:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event channel full, dropping message", "channel_id", evt.ChannelID)
		a.metrics.RecordDropped()
	}
}

// convertMessage maps a Discord message to the unified event format.
// Returns nil for bot messages and messages without text.
func convertMessage(m *discordgo.Message) *models.ChannelEvent {
	if m == nil || m.Author == nil || m.Author.Bot || m.Content == "" {
		return nil
	}

	return &models.ChannelEvent{
		ChannelID:   models.ChannelID(models.ChannelDiscord, m.ChannelID),
		UserMessage: m.Content,
		Metadata: map[string]any{
			"discord_channel_id": m.ChannelID,
			"message_id":         m.ID,
			"user_id":            m.Author.ID,
			"username":           m.Author.Username,
			"guild_id":           m.GuildID,
		},
		ReceivedAt: time.Now(),
	}
}

// Send delivers a response to Discord, splitting it to fit the
// message length limit.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.metrics.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	a.mu.RLock()
	connected := a.status.Connected
	session := a.session
	a.mu.RUnlock()

	if !connected || session == nil {
		a.metrics.RecordSendFailed()
		a.metrics.RecordError(channels.ErrCodeUnavailable)
		return channels.ErrUnavailable("adapter not connected", nil)
	}

	channelID := extractChannelID(resp)
	if channelID == "" {
		a.metrics.RecordSendFailed()
		a.metrics.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("no discord channel id in response", nil)
	}

	// Discord renders fences but not pipe tables; wrapping tables in a
	// code block keeps their columns aligned.
	text := markdown.ConvertTables(resp.Content, markdown.TableModeCode)
	for _, chunk := range channels.SplitMarkdownMessage(text, messageLimit) {
		if _, err := session.ChannelMessageSend(channelID, chunk); err != nil {
			a.metrics.RecordSendFailed()
			a.metrics.RecordError(channels.ErrCodeInternal)
			a.logger.Error("failed to send message", "error", err, "channel_id", channelID)
			return channels.ErrInternal("failed to send message", err)
		}
	}

	a.metrics.RecordResponseSent()
	a.metrics.RecordSendLatency(time.Since(start))
	return nil
}

// extractChannelID resolves the destination channel from response
// metadata, falling back to the id embedded in the channel id.
func extractChannelID(resp *models.AgentResponse) string {
	if id, ok := resp.Metadata["discord_channel_id"].(string); ok && id != "" {
		return id
	}
	_, rest := models.SplitChannelID(resp.ChannelID)
	return rest
}

// Messages returns the inbound event stream.
func (a *Adapter) Messages() <-chan *models.ChannelEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelDiscord
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports health from the gateway connection state.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	_ = ctx
	start := time.Now()

	a.mu.RLock()
	connected := a.status.Connected
	a.mu.RUnlock()

	health := channels.HealthStatus{
		Healthy:   connected,
		LastCheck: start,
		Degraded:  a.isDegraded(),
	}
	switch {
	case !connected:
		health.Message = "not connected"
	case health.Degraded:
		health.Message = "operating in degraded mode"
	default:
		health.Message = "healthy"
	}
	health.Latency = time.Since(start)
	return health
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.status.Connected {
		return nil
	}

	a.logger.Info("stopping discord adapter")

	if a.cancel != nil {
		a.cancel()
	}

	if err := a.session.Close(); err != nil {
		a.status.Error = err.Error()
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to close session", err)
	}

	a.status.Connected = false
	close(a.events)
	a.metrics.RecordConnectionClosed()

	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) setDegraded(v bool) {
	a.degradedMu.Lock()
	defer a.degradedMu.Unlock()
	a.degraded = v
}

func (a *Adapter) isDegraded() bool {
	a.degradedMu.RLock()
	defer a.degradedMu.RUnlock()
	return a.degraded
}
