// Package whatsapp links a personal WhatsApp account to the gateway
// through whatsmeow's multidevice protocol. First-time pairing happens
// by scanning a QR code; the session is then persisted in a local
// sqlite store and survives restarts.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waevents "go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/markdown"
	"github.com/haasonsaas/valet/pkg/models"
)

const messageLimit = 4096

// Config holds configuration for the WhatsApp adapter.
type Config struct {
	// DBPath is the sqlite file holding the whatsmeow session store
	// (required).
	DBPath string

	// QRImagePath, when set, receives a PNG of the current pairing
	// QR code so it can be scanned from a file browser.
	QRImagePath string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return channels.ErrConfig("whatsapp database path is required", nil)
	}
	return nil
}

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	*channels.BaseHealthAdapter

	config    Config
	container *sqlstore.Container
	client    *whatsmeow.Client
	events    chan *models.ChannelEvent
	qrCodes   chan string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAdapter opens the session store and builds the whatsmeow client.
// It does not connect; call Start for that.
func NewAdapter(ctx context.Context, config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", config.DBPath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, channels.ErrInternal("failed to open whatsapp session store", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, channels.ErrInternal("failed to load whatsapp device", err)
	}

	a := &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelWhatsApp, config.Logger),
		config:            config,
		container:         container,
		client:            whatsmeow.NewClient(device, waLog.Noop),
		events:            make(chan *models.ChannelEvent, 100),
		qrCodes:           make(chan string, 1),
	}
	a.client.AddEventHandler(a.handleEvent)
	return a, nil
}

// Start connects to WhatsApp. When the store holds no paired device
// it begins the QR login flow; codes are published on QRCodes and,
// when configured, rendered to a PNG file.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client.Store.ID == nil {
		// GetQRChannel must be called before Connect.
		qrChan, err := a.client.GetQRChannel(ctx)
		if err != nil {
			cancel()
			return channels.ErrInternal("failed to open qr channel", err)
		}
		if err := a.client.Connect(); err != nil {
			cancel()
			a.RecordError(channels.ErrCodeConnection)
			return channels.ErrConnection("failed to connect to whatsapp", err)
		}
		a.Logger().Info("whatsapp pairing required, waiting for qr scan")

		a.wg.Add(1)
		go a.watchQR(ctx, qrChan)
		return nil
	}

	if err := a.client.Connect(); err != nil {
		cancel()
		a.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to connect to whatsapp", err)
	}
	return nil
}

// watchQR forwards pairing codes until login succeeds or times out.
func (a *Adapter) watchQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			if evt.Event != "code" {
				a.Logger().Info("whatsapp login event", "event", evt.Event)
				continue
			}
			a.publishQR(evt.Code)
			if a.config.QRImagePath != "" {
				if err := writeQRImage(evt.Code, a.config.QRImagePath); err != nil {
					a.Logger().Warn("failed to write qr image", "error", err)
				}
			}
		}
	}
}

// publishQR replaces any stale code so consumers always see the
// freshest one. Codes rotate roughly every twenty seconds.
func (a *Adapter) publishQR(code string) {
	select {
	case <-a.qrCodes:
	default:
	}
	select {
	case a.qrCodes <- code:
	default:
	}
}

// writeQRImage renders a pairing code as a PNG file.
func writeQRImage(code, path string) error {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	return os.WriteFile(path, png, 0o600)
}

// QRCodes returns the stream of pairing codes. Empty until a login
// flow is in progress.
func (a *Adapter) QRCodes() <-chan string {
	return a.qrCodes
}

// handleEvent dispatches whatsmeow events.
func (a *Adapter) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *waevents.Connected:
		a.SetStatus(true, "")
		a.SetDegraded(false)
		a.RecordConnectionOpened()
		a.Logger().Info("whatsapp connected")

	case *waevents.Disconnected:
		a.SetStatus(false, "disconnected")
		a.SetDegraded(true)
		a.RecordConnectionClosed()
		a.Logger().Warn("whatsapp disconnected")

	case *waevents.LoggedOut:
		a.SetStatus(false, "logged out")
		a.Logger().Warn("whatsapp logged out, re-pairing required", "reason", evt.Reason)

	case *waevents.Message:
		a.handleMessage(evt)
	}
}

// handleMessage converts and queues one inbound message.
func (a *Adapter) handleMessage(evt *waevents.Message) {
	event := convertMessage(evt)
	if event == nil {
		return
	}
	a.RecordEventReceived()
	a.UpdateLastPing()

	select {
	case a.events <- event:
	default:
		a.Logger().Warn("event channel full, dropping message", "channel_id", event.ChannelID)
		a.RecordDropped()
	}
}

// convertMessage maps a whatsmeow message to the unified event format.
// Own messages, broadcasts and non-text payloads yield nil.
func convertMessage(evt *waevents.Message) *models.ChannelEvent {
	if evt == nil || evt.Message == nil {
		return nil
	}
	if evt.Info.IsFromMe {
		return nil
	}
	// Skip status broadcasts
	if evt.Info.Chat.Server == "broadcast" {
		return nil
	}

	text := extractText(evt.Message)
	if text == "" {
		return nil
	}

	receivedAt := evt.Info.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return &models.ChannelEvent{
		ChannelID:   models.ChannelID(models.ChannelWhatsApp, evt.Info.Chat.String()),
		UserMessage: text,
		Metadata: map[string]any{
			"whatsapp_chat":   evt.Info.Chat.String(),
			"whatsapp_sender": evt.Info.Sender.String(),
			"message_id":      evt.Info.ID,
			"push_name":       evt.Info.PushName,
			"is_group":        evt.Info.IsGroup,
		},
		ReceivedAt: receivedAt,
	}
}

// extractText pulls the text body out of the supported message kinds,
// falling back to media captions.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		if text := ext.GetText(); text != "" {
			return text
		}
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// Send delivers a response to the originating chat.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	if !a.client.IsConnected() {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeUnavailable)
		return channels.ErrUnavailable("whatsapp is not connected", nil)
	}

	jid, err := extractChatJID(resp)
	if err != nil {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("no whatsapp chat in response", err)
	}

	// WhatsApp has no table rendering at all, so tables become bullet
	// lines before chunking.
	text := markdown.ConvertTables(resp.Content, markdown.TableModeBullets)
	for _, chunk := range channels.SplitMessage(text, messageLimit) {
		msg := &waE2E.Message{Conversation: proto.String(chunk)}
		if _, err := a.client.SendMessage(ctx, jid, msg); err != nil {
			a.RecordSendFailed()
			a.RecordError(channels.ErrCodeInternal)
			a.Logger().Error("failed to send message", "error", err, "chat", jid.String())
			return channels.ErrInternal("failed to send message", err)
		}
	}

	a.RecordResponseSent()
	a.RecordSendLatency(time.Since(start))
	return nil
}

// extractChatJID resolves the destination chat from response metadata,
// falling back to the id embedded in the channel id.
func extractChatJID(resp *models.AgentResponse) (types.JID, error) {
	if raw, ok := resp.Metadata["whatsapp_chat"].(string); ok && raw != "" {
		return types.ParseJID(raw)
	}
	_, rest := models.SplitChannelID(resp.ChannelID)
	if rest == "" {
		return types.JID{}, errors.New("empty chat id")
	}
	return types.ParseJID(rest)
}

// Messages returns the inbound event stream.
func (a *Adapter) Messages() <-chan *models.ChannelEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWhatsApp
}

// HealthCheck reports connection and pairing state.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	health := channels.HealthStatus{LastCheck: time.Now(), Degraded: a.IsDegraded()}

	switch {
	case a.client.Store.ID == nil:
		health.Message = "not paired, scan the qr code"
	case !a.client.IsConnected():
		health.Message = "not connected"
	default:
		health.Healthy = true
		health.Message = "healthy"
		if health.Degraded {
			health.Message = "operating in degraded mode"
		}
	}
	return health
}

// Stop disconnects and closes the session store.
func (a *Adapter) Stop(ctx context.Context) error {
	a.Logger().Info("stopping whatsapp adapter")

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
	case <-ctx.Done():
		a.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}

	// events stays open: whatsmeow's dispatcher may still be delivering
	// after Disconnect. The aggregator drains it until shutdown.
	close(a.qrCodes)
	a.client.Disconnect()
	if err := a.container.Close(); err != nil {
		return channels.ErrInternal("failed to close session store", err)
	}
	a.SetStatus(false, "")
	return nil
}
