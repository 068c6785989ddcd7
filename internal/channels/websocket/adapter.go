// Package websocket exposes the agent to browser and desktop clients
// over a WebSocket endpoint that the gateway mounts on its HTTP
// server. Each connection is its own conversation surface, addressed
// by a generated client id.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	pingInterval    = 15 * time.Second
)

// chatFrameSchema validates inbound frames before they reach the
// agent. Anything else is answered with an error frame.
const chatFrameSchema = `{
	"type": "object",
	"required": ["type", "content"],
	"properties": {
		"type": {"const": "chat"},
		"content": {"type": "string", "minLength": 1},
		"session": {"type": "string"}
	}
}`

var chatFrame = jsonschema.MustCompileString("chat_frame.json", chatFrameSchema)

type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Session string `json:"session,omitempty"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Config holds configuration for the WebSocket adapter.
type Config struct {
	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Adapter implements channels.Adapter for WebSocket clients. It does
// not listen by itself; mount Handler on an HTTP server.
type Adapter struct {
	*channels.BaseHealthAdapter

	upgrader websocket.Upgrader
	events   chan *models.ChannelEvent

	clients  map[string]*client
	clientMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewAdapter creates a WebSocket adapter.
func NewAdapter(config Config) *Adapter {
	return &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelWebSocket, config.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		events:  make(chan *models.ChannelEvent, 100),
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP handler to mount, typically at /ws.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(a.serveWS)
}

// Start marks the adapter ready to accept connections.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running.Store(true)
	a.SetStatus(true, "")
	return nil
}

func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	if !a.running.Load() {
		http.Error(w, "adapter not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger().Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.addClient(c)
	a.RecordConnectionOpened()
	a.UpdateLastPing()
	a.Logger().Info("websocket client connected", "client_id", c.id)

	a.wg.Add(1)
	defer func() {
		cancel()
		a.removeClient(c.id)
		_ = conn.Close()
		a.RecordConnectionClosed()
		a.wg.Done()
	}()

	a.enqueue(c, outboundFrame{Type: "connected", ClientID: c.id})

	go a.writeLoop(ctx, c)
	a.readLoop(ctx, c)
}

func (a *Adapter) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeChatFrame(data)
		if err != nil {
			a.enqueue(c, outboundFrame{Type: "error", Message: err.Error()})
			continue
		}

		a.RecordEventReceived()
		evt := &models.ChannelEvent{
			ChannelID:   models.ChannelID(models.ChannelWebSocket, c.id),
			SessionHint: frame.Session,
			UserMessage: frame.Content,
			Metadata:    map[string]any{"client_id": c.id},
			ReceivedAt:  time.Now(),
		}

		select {
		case a.events <- evt:
		case <-ctx.Done():
			return
		default:
			a.Logger().Warn("event channel full, dropping message", "client_id", c.id)
			a.RecordDropped()
		}
	}
}

func (a *Adapter) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decodeChatFrame validates and decodes one inbound frame.
func decodeChatFrame(data []byte) (*inboundFrame, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := chatFrame.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid chat frame: %w", err)
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// enqueue hands a frame to the client's write loop, dropping it when
// the buffer is full. The send channel is never closed, so a racing
// Send cannot panic during disconnect.
func (a *Adapter) enqueue(c *client, frame outboundFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Send delivers a response to the originating client.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	c := a.clientFor(resp)
	if c == nil {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeUnavailable)
		return channels.ErrUnavailable("websocket client disconnected", nil)
	}

	ok := a.enqueue(c, outboundFrame{
		Type:      "response",
		SessionID: resp.SessionID,
		Content:   resp.Content,
		IsError:   resp.IsError,
	})
	if !ok {
		a.RecordSendFailed()
		a.RecordError(channels.ErrCodeUnavailable)
		return channels.ErrUnavailable("send buffer full", nil)
	}

	a.RecordResponseSent()
	a.RecordSendLatency(time.Since(start))
	return nil
}

// clientFor resolves the destination connection from response
// metadata, falling back to the id embedded in the channel id.
func (a *Adapter) clientFor(resp *models.AgentResponse) *client {
	id, _ := resp.Metadata["client_id"].(string)
	if id == "" {
		_, id = models.SplitChannelID(resp.ChannelID)
	}
	if id == "" {
		return nil
	}

	a.clientMu.RLock()
	defer a.clientMu.RUnlock()
	return a.clients[id]
}

func (a *Adapter) addClient(c *client) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	a.clients[c.id] = c
}

func (a *Adapter) removeClient(id string) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	delete(a.clients, id)
}

// ClientCount returns the number of live connections.
func (a *Adapter) ClientCount() int {
	a.clientMu.RLock()
	defer a.clientMu.RUnlock()
	return len(a.clients)
}

// Messages returns the inbound event stream.
func (a *Adapter) Messages() <-chan *models.ChannelEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWebSocket
}

// Stop disconnects every client and closes the event stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.running.Store(false)
	if a.cancel != nil {
		a.cancel()
	}

	a.clientMu.RLock()
	for _, c := range a.clients {
		_ = c.conn.Close()
	}
	a.clientMu.RUnlock()

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

	close(a.events)
	a.SetStatus(false, "")
	return nil
}
