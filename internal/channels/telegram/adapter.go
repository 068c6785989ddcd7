// Package telegram connects the gateway to Telegram through the Bot
// API, using long polling so the daemon works behind NAT without any
// inbound ports.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/markdown"
	"github.com/haasonsaas/valet/pkg/models"
)

// messageLimit is Telegram's maximum message length.
const messageLimit = 4096

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// MaxReconnectAttempts bounds the reconnection loop.
	MaxReconnectAttempts int

	// ReconnectDelay is the pause between reconnection attempts.
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
		return channels.ErrConfig("telegram token is required", nil)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config      Config
	bot         *bot.Bot
	events      chan *models.ChannelEvent
	status      channels.Status
	statusMu    sync.RWMutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
	degraded    bool
	degradedMu  sync.RWMutex
}

// NewAdapter creates a Telegram adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		config:      config,
		events:      make(chan *models.ChannelEvent, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelTelegram),
		logger:      config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and launches the polling loop.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting telegram adapter", "rate_limit", a.config.RateLimit)

	b, err := bot.New(a.config.Token)
	if err != nil {
		a.updateStatus(false, fmt.Sprintf("failed to create bot: %v", err))
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("failed to create bot", err)
	}
	a.bot = b
	a.metrics.RecordConnectionOpened()

	// Register once; the handler survives reconnect attempts.
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	a.logger.Info("telegram adapter started")
	return nil
}

// runWithReconnection drives the polling loop, retrying with a fixed
// delay and flagging degraded mode while disconnected.
func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.events)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			a.logger.Info("telegram adapter stopped")
			return
		default:
		}

		if err := a.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				a.updateStatus(false, "")
				return
			}

			attempts++
			a.metrics.RecordReconnectAttempt()
			a.updateStatus(false, fmt.Sprintf("bot error (attempt %d/%d)", attempts, a.config.MaxReconnectAttempts))
			a.logger.Error("telegram bot error",
				"error", err,
				"attempt", attempts,
				"max_attempts", a.config.MaxReconnectAttempts)

			if attempts >= a.config.MaxReconnectAttempts {
				a.logger.Error("max reconnection attempts reached, stopping adapter")
				a.metrics.RecordError(channels.ErrCodeConnection)
				return
			}

			a.setDegraded(true)

			select {
			case <-ctx.Done():
				a.updateStatus(false, "")
				return
			case <-time.After(a.config.ReconnectDelay):
				a.logger.Info("attempting to reconnect")
			}
			continue
		}

		a.setDegraded(false)
		a.updateStatus(false, "")
		return
	}
}

// run verifies connectivity and blocks in the long polling loop until
// ctx is cancelled.
func (a *Adapter) run(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("getMe: %w", err)
	}

	a.updateStatus(true, "")
	a.setDegraded(false)
	a.logger.Info("telegram bot connected", "username", me.Username)

	a.bot.Start(ctx)
	return nil
}

// handleUpdate converts one Telegram update into a channel event.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	evt := convertUpdate(update)
	if evt == nil {
		return
	}

	a.logger.Debug("received message",
		"channel_id", evt.ChannelID,
		"length", len(evt.UserMessage))
	a.metrics.RecordEventReceived()

	select {
	case a.events <- evt:
		a.updateLastPing()
	case <-ctx.Done():
	default:
		a.logger.Warn("event channel full, dropping message", "channel_id", evt.ChannelID)
		a.metrics.RecordDropped()
	}
}

// convertUpdate maps a Telegram update to the unified event format.
// Returns nil for updates carrying no text.
func convertUpdate(update *tgmodels.Update) *models.ChannelEvent {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}

	evt := &models.ChannelEvent{
		ChannelID:   models.ChannelID(models.ChannelTelegram, strconv.FormatInt(msg.Chat.ID, 10)),
		UserMessage: msg.Text,
		Metadata: map[string]any{
			"chat_id":    msg.Chat.ID,
			"message_id": msg.ID,
		},
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		evt.Metadata["user_id"] = msg.From.ID
		evt.Metadata["username"] = msg.From.Username
	}
	return evt
}

// Send delivers a response to Telegram, splitting it to fit the
// message length limit.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	if err := a.rateLimiter.Wait(ctx); err != nil {
		a.metrics.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	if a.bot == nil {
		a.metrics.RecordSendFailed()
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("bot not initialized", nil)
	}

	chatID, err := extractChatID(resp)
	if err != nil {
		a.metrics.RecordSendFailed()
		a.metrics.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("failed to extract chat id", err)
	}

	// Messages go out as plain text, so pipe tables are flattened to
	// bullet lines instead of arriving as raw markdown.
	text := markdown.ConvertTables(resp.Content, markdown.TableModeBullets)
	for _, chunk := range channels.SplitMarkdownMessage(text, messageLimit) {
		_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		})
		if err != nil {
			a.metrics.RecordSendFailed()
			a.metrics.RecordError(channels.ErrCodeInternal)
			a.logger.Error("failed to send message", "error", err, "chat_id", chatID)
			return channels.ErrInternal("failed to send message", err)
		}
	}

	a.metrics.RecordResponseSent()
	a.metrics.RecordSendLatency(time.Since(start))
	return nil
}

// extractChatID resolves the destination chat from response metadata,
// falling back to the chat id embedded in the channel id.
func extractChatID(resp *models.AgentResponse) (int64, error) {
	switch v := resp.Metadata["chat_id"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil
		}
	}

	_, rest := models.SplitChannelID(resp.ChannelID)
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no chat id in response for channel %q", resp.ChannelID)
	}
	return id, nil
}

// Messages returns the inbound event stream.
func (a *Adapter) Messages() <-chan *models.ChannelEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelTelegram
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// HealthCheck probes the Bot API with a getMe call.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start, Degraded: a.isDegraded()}

	if a.bot == nil {
		health.Message = "bot not initialized"
		health.Latency = time.Since(start)
		return health
	}

	if _, err := a.bot.GetMe(ctx); err != nil {
		health.Message = fmt.Sprintf("getMe failed: %v", err)
		health.Latency = time.Since(start)
		return health
	}

	health.Healthy = true
	health.Message = "healthy"
	if health.Degraded {
		health.Message = "operating in degraded mode"
	}
	health.Latency = time.Since(start)
	return health
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Stop shuts the adapter down, waiting for the polling loop to exit
// or ctx to expire.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping telegram adapter")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.metrics.RecordConnectionClosed()
		a.logger.Info("telegram adapter stopped gracefully")
		return nil
	case <-ctx.Done():
		a.metrics.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
	if connected {
		a.status.LastPing = time.Now().Unix()
	}
}

func (a *Adapter) updateLastPing() {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.LastPing = time.Now().Unix()
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
