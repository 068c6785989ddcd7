package models

import "time"

// ChannelEvent is an inbound message from a channel adapter. Immutable
// after ingestion.
type ChannelEvent struct {
	ChannelID   string         `json:"channel_id"`
	SessionHint string         `json:"session_hint,omitempty"`
	UserMessage string         `json:"user_message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReceivedAt  time.Time      `json:"received_at,omitempty"`
}

// CancellationCause names why a turn ended early.
type CancellationCause string

const (
	CancelledByUser       CancellationCause = "user"
	CancelledByDisconnect CancellationCause = "disconnect"
	CancelledByShutdown   CancellationCause = "shutdown"
	CancelledByDelete     CancellationCause = "session_deleted"
)

// AgentResponse is the terminal outcome of one turn, delivered back to
// the originating channel. Emitted at most once per terminal outcome.
type AgentResponse struct {
	ChannelID         string            `json:"channel_id"`
	SessionID         string            `json:"session_id"`
	Content           string            `json:"content"`
	IsError           bool              `json:"is_error"`
	CancellationCause CancellationCause `json:"cancellation_cause,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// NewAgentResponse creates a successful response.
func NewAgentResponse(channelID, sessionID, content string) *AgentResponse {
	return &AgentResponse{
		ChannelID: channelID,
		SessionID: sessionID,
		Content:   content,
	}
}

// NewErrorResponse creates an error response with a human-readable sentence.
func NewErrorResponse(channelID, sessionID, content string) *AgentResponse {
	return &AgentResponse{
		ChannelID: channelID,
		SessionID: sessionID,
		Content:   content,
		IsError:   true,
	}
}

// NewCancelledResponse creates the response emitted when a turn is
// cancelled at a safe point.
func NewCancelledResponse(channelID, sessionID string, cause CancellationCause) *AgentResponse {
	return &AgentResponse{
		ChannelID:         channelID,
		SessionID:         sessionID,
		Content:           "Generation cancelled.",
		IsError:           true,
		CancellationCause: cause,
	}
}

// ApprovalDecision is the user's answer to a tool approval request.
type ApprovalDecision string

const (
	ApprovalApprove         ApprovalDecision = "approve"
	ApprovalAllowForSession ApprovalDecision = "allow_for_session"
	ApprovalReject          ApprovalDecision = "reject"
)

// ToolApprovalRequest asks the channel's user to approve one tool call.
type ToolApprovalRequest struct {
	CallID    string `json:"call_id"`
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
}

// ToolApprovalResponse carries the user's decision back to the runtime.
type ToolApprovalResponse struct {
	CallID   string           `json:"call_id"`
	Decision ApprovalDecision `json:"decision"`
}
