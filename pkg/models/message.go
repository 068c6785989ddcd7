package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType represents a messaging surface.
type ChannelType string

const (
	ChannelCLI       ChannelType = "cli"
	ChannelTelegram  ChannelType = "telegram"
	ChannelDiscord   ChannelType = "discord"
	ChannelSlack     ChannelType = "slack"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelWebSocket ChannelType = "websocket"
	ChannelCron      ChannelType = "cron"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the four persisted roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ChannelID builds the canonical "adapter:identifier" channel id.
func ChannelID(adapter ChannelType, id string) string {
	return string(adapter) + ":" + id
}

// SplitChannelID returns the adapter prefix and the platform identifier.
func SplitChannelID(channelID string) (ChannelType, string) {
	adapter, id, ok := strings.Cut(channelID, ":")
	if !ok {
		return "", channelID
	}
	return ChannelType(adapter), id
}

// Message is one entry in a session's ordered log. Assistant messages may
// carry tool calls; tool messages carry the result for exactly one call,
// referenced by ToolCallID.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Direction   Direction    `json:"direction,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolName    string       `json:"tool_name,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Metadata carries execution annotations, never model-visible content.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUserMessage creates an inbound user message for a session.
func NewUserMessage(sessionID, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: DirectionInbound,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an outbound assistant text message.
func NewAssistantMessage(sessionID, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: DirectionOutbound,
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolCallMessage creates the assistant message that requests tool calls.
// Content is empty; the calls are the payload.
func NewToolCallMessage(sessionID string, calls []ToolCall) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: DirectionOutbound,
		Role:      RoleAssistant,
		Content:   "",
		ToolCalls: calls,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolResultMessage creates the tool message answering one tool call.
func NewToolResultMessage(sessionID, toolCallID, toolName, content string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Direction:  DirectionInbound,
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewResultMessage converts an executed ToolResult into its persisted form,
// carrying the result metadata along.
func NewResultMessage(sessionID string, result *ToolResult) *Message {
	msg := NewToolResultMessage(sessionID, result.ToolCallID, result.ToolName, result.Content)
	if len(result.Metadata) > 0 {
		msg.Metadata = make(map[string]string, len(result.Metadata))
		for k, v := range result.Metadata {
			msg.Metadata[k] = v
		}
	}
	if result.IsError {
		if msg.Metadata == nil {
			msg.Metadata = map[string]string{}
		}
		msg.Metadata["is_error"] = "true"
	}
	return msg
}

// IsToolError reports whether a tool message records a failed execution.
func (m *Message) IsToolError() bool {
	return m.Metadata["is_error"] == "true"
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution. Metadata carries
// execution annotations (sandbox fallback, timing) that are persisted but
// never shown to the model.
type ToolResult struct {
	ToolCallID string            `json:"tool_call_id"`
	ToolName   string            `json:"tool_name,omitempty"`
	Content    string            `json:"content"`
	IsError    bool              `json:"is_error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ToolDefinition is the schema a tool exposes to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Session represents a conversation thread bound to one channel.
type Session struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionPreview pairs a session with the content of its most recent
// user or assistant message, for listings.
type SessionPreview struct {
	Session
	Preview string `json:"preview,omitempty"`
}
