// Package slack connects the gateway to Slack over Socket Mode, so no
// public HTTP endpoint is needed. Direct messages reach the agent
// as-is; in channels the bot only reacts to @-mentions.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/markdown"
	"github.com/haasonsaas/valet/pkg/models"
)

// Config holds configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token used for Web API calls (required).
	BotToken string

	// AppToken is the xapp- token used for Socket Mode (required).
	AppToken string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("slack bot token is required", nil)
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return channels.ErrConfig("slack app token must start with xapp-", nil)
	}
	return nil
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	*channels.BaseHealthAdapter

	config       Config
	client       *slack.Client
	socketClient *socketmode.Client
	events       chan *models.ChannelEvent
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	botUserID   string
	botUserIDMu sync.RWMutex
}

// NewAdapter creates a Slack adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := slack.New(config.BotToken, slack.OptionAppLevelToken(config.AppToken))

	return &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelSlack, config.Logger),
		config:            config,
		client:            client,
		socketClient:      socketmode.New(client),
		events:            make(chan *models.ChannelEvent, 100),
	}, nil
}

// Start authenticates, then runs the Socket Mode connection and event
// loop in the background.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		cancel()
		a.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("slack auth test failed", err)
	}
	a.setBotUserID(auth.UserID)
	a.Logger().Info("slack adapter authenticated", "bot_user_id", auth.UserID)

	a.wg.Add(1)
	go a.runEventLoop(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.SetStatus(false, fmt.Sprintf("socket mode: %v", err))
			a.Logger().Error("socket mode terminated", "error", err)
		}
	}()

	a.SetStatus(true, "")
	a.RecordConnectionOpened()
	return nil
}

// runEventLoop consumes Socket Mode events until ctx is cancelled.
func (a *Adapter) runEventLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.events)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			a.UpdateLastPing()

			switch evt.Type {
			case socketmode.EventTypeConnecting:
				a.Logger().Debug("connecting to socket mode")

			case socketmode.EventTypeConnectionError:
				a.SetStatus(false, "connection error")
				a.SetDegraded(true)
				a.RecordReconnectAttempt()
				a.Logger().Warn("socket mode connection error", "data", evt.Data)

			case socketmode.EventTypeConnected:
				a.SetStatus(true, "")
				a.SetDegraded(false)
				a.Logger().Info("connected to socket mode")

			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, evt)

			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Acknowledge so Slack stops retrying; not routed.
				if evt.Request != nil {
					a.socketClient.Ack(*evt.Request)
				}
			}
		}
	}
}

// handleEventsAPI acknowledges and routes one Events API callback.
func (a *Adapter) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.Logger().Warn("unexpected events api payload", "data", evt.Data)
		if evt.Request != nil {
			a.socketClient.Ack(*evt.Request)
		}
		return
	}
	if evt.Request != nil {
		a.socketClient.Ack(*evt.Request)
	}

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.deliver(ctx, convertAppMention(ev))

	case *slackevents.MessageEvent:
		// Bot echoes and message edits are not routed. Channel
		// mentions arrive as AppMentionEvent, so only direct
		// messages are accepted here to keep delivery exactly once.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		if !isDirectMessage(ev.Channel) {
			return
		}
		a.deliver(ctx, convertMessageEvent(ev))
	}
}

// deliver pushes one event to the gateway, dropping it if the buffer
// is full.
func (a *Adapter) deliver(ctx context.Context, evt *models.ChannelEvent) {
	if evt == nil {
		return
	}
	a.RecordEventReceived()

	select {
	case a.events <- evt:
	case <-ctx.Done():
	default:
		a.Logger().Warn("event channel full, dropping message", "channel_id", evt.ChannelID)
		a.RecordDropped()
	}
}

// isDirectMessage reports whether a Slack conversation id is a DM.
func isDirectMessage(channelID string) bool {
	return strings.HasPrefix(channelID, "D")
}

// stripMentions removes <@USERID> tokens from message text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// threadTS picks the thread root for replies: the existing thread if
// the message is already in one, otherwise the message itself.
func threadTS(threadTimeStamp, timeStamp string) string {
	if threadTimeStamp != "" {
		return threadTimeStamp
	}
	return timeStamp
}

// parseSlackTimestamp converts a Slack "seconds.fraction" timestamp.
func parseSlackTimestamp(ts string) (time.Time, error) {
	seconds, _, _ := strings.Cut(ts, ".")
	unix, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	return time.Unix(unix, 0), nil
}

// convertMessageEvent maps a direct message to the unified event
// format. Returns nil when no text remains after mention stripping.
func convertMessageEvent(ev *slackevents.MessageEvent) *models.ChannelEvent {
	text := stripMentions(ev.Text)
	if text == "" {
		return nil
	}

	evt := &models.ChannelEvent{
		ChannelID:   models.ChannelID(models.ChannelSlack, ev.Channel),
		UserMessage: text,
		Metadata: map[string]any{
			"slack_channel":   ev.Channel,
			"slack_user":      ev.User,
			"slack_ts":        ev.TimeStamp,
			"slack_thread_ts": threadTS(ev.ThreadTimeStamp, ev.TimeStamp),
		},
		ReceivedAt: time.Now(),
	}
	if at, err := parseSlackTimestamp(ev.TimeStamp); err == nil {
		evt.ReceivedAt = at
	}
	return evt
}

// convertAppMention maps a channel @-mention to the unified event
// format.
func convertAppMention(ev *slackevents.AppMentionEvent) *models.ChannelEvent {
	text := stripMentions(ev.Text)
	if text == "" {
		return nil
	}

	evt := &models.ChannelEvent{
		ChannelID:   models.ChannelID(models.ChannelSlack, ev.Channel),
		UserMessage: text,
		Metadata: map[string]any{
			"slack_channel":   ev.Channel,
			"slack_user":      ev.User,
			"slack_ts":        ev.TimeStamp,
			"slack_thread_ts": threadTS(ev.ThreadTimeStamp, ev.TimeStamp),
		},
		ReceivedAt: time.Now(),
	}
	if at, err := parseSlackTimestamp(ev.TimeStamp); err == nil {
		evt.ReceivedAt = at
	}
	return evt
}

// Send delivers a response to Slack, threading it when the inbound
// message carried a thread root.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	channelID := extractChannel(resp)
	if channelID == "" {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("no slack channel in response", nil)
	}

	// Slack's mrkdwn has no pipe tables; a code block keeps columns
	// readable.
	text := markdown.ConvertTables(resp.Content, markdown.TableModeCode)
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts, ok := resp.Metadata["slack_thread_ts"].(string); ok && ts != "" {
		options = append(options, slack.MsgOptionTS(ts))
	}

	if _, _, err := a.client.PostMessageContext(ctx, channelID, options...); err != nil {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeInternal)
		a.Logger().Error("failed to post message", "error", err, "channel", channelID)
		return channels.ErrInternal("failed to post message", err)
	}

	a.RecordResponseSent()
	a.RecordSendLatency(time.Since(start))
	return nil
}

// extractChannel resolves the destination conversation from response
// metadata, falling back to the id embedded in the channel id.
func extractChannel(resp *models.AgentResponse) string {
	if id, ok := resp.Metadata["slack_channel"].(string); ok && id != "" {
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
	return models.ChannelSlack
}

// HealthCheck probes the Web API with an auth test.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start, Degraded: a.IsDegraded()}

	if _, err := a.client.AuthTestContext(ctx); err != nil {
		health.Message = fmt.Sprintf("auth test failed: %v", err)
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

// Stop shuts the adapter down, waiting for the event loop to exit or
// ctx to expire.
func (a *Adapter) Stop(ctx context.Context) error {
	a.Logger().Info("stopping slack adapter")

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
		a.SetStatus(false, "")
		a.RecordConnectionClosed()
		return nil
	case <-ctx.Done():
		a.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

func (a *Adapter) setBotUserID(id string) {
	a.botUserIDMu.Lock()
	defer a.botUserIDMu.Unlock()
	a.botUserID = id
}

// BotUserID returns the authenticated bot user, available after Start.
func (a *Adapter) BotUserID() string {
	a.botUserIDMu.RLock()
	defer a.botUserIDMu.RUnlock()
	return a.botUserID
}
