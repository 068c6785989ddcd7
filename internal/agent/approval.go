package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

// ApprovalMode selects how tool calls are gated.
type ApprovalMode string

const (
	// ApprovalPrompt asks the user for every tool not on an allowlist.
	ApprovalPrompt ApprovalMode = "prompt"

	// ApprovalAllow executes every tool without asking.
	ApprovalAllow ApprovalMode = "allow"

	// ApprovalDeny rejects every tool call.
	ApprovalDeny ApprovalMode = "deny"
)

// DefaultApprovalTimeout bounds the wait for a user decision.
const DefaultApprovalTimeout = 120 * time.Second

// rejectedMessage is the synthetic tool-result content for denied calls.
const rejectedMessage = "Tool rejected by user."

// ApprovalPolicy configures the gate in front of tool execution.
type ApprovalPolicy struct {
	// Mode is prompt, allow, or deny. Empty means prompt.
	Mode ApprovalMode

	// AutoAllow lists tool names that skip prompting in prompt mode.
	// A trailing * matches by prefix; a bare * matches everything.
	AutoAllow []string

	// Timeout bounds the decision wait. Zero means the default 120s;
	// negative waits forever.
	Timeout time.Duration
}

// Approver obtains a user decision for one tool call. The gateway
// implements it by forwarding the request to the session's channel and
// waiting for the reply. Blocking is expected; the runtime applies the
// decision timeout around the call.
type Approver interface {
	RequestApproval(ctx context.Context, req *models.ToolApprovalRequest) (models.ApprovalDecision, error)
}

// Allowlist is the per-session set of tools approved for the rest of
// the session. It lives on the live session handle, not in the store.
type Allowlist struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewAllowlist creates an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{m: make(map[string]struct{})}
}

// Add marks a tool as approved for the session.
func (a *Allowlist) Add(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[name] = struct{}{}
}

// Contains reports whether a tool was approved for the session.
func (a *Allowlist) Contains(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.m[name]
	return ok
}

// matchPattern reports whether name matches any pattern in patterns.
// Patterns are exact names, a bare *, or a prefix ending in *.
func matchPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == name {
			return true
		}
		if n := len(pattern); pattern[n-1] == '*' {
			prefix := pattern[:n-1]
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				return true
			}
		}
	}
	return false
}

// approve runs the approval state machine for one call. A nil result
// means the call proceeds; otherwise the returned synthetic rejection
// is appended in place of execution.
//
// While the user decides, no other turn budget is running: the model
// call has already returned and the tool has not been dispatched, so
// suspension pauses everything except the decision timeout itself.
func (r *Runtime) approve(ctx context.Context, session *models.Session, allow *Allowlist, call models.ToolCall) *models.ToolResult {
	rejected := func() *models.ToolResult {
		return tools.NewToolError(tools.ErrorRejected, call.Name, rejectedMessage).
			WithCallID(call.ID).Result()
	}

	switch r.cfg.Approval.Mode {
	case ApprovalAllow:
		return nil
	case ApprovalDeny:
		return rejected()
	}

	if allow != nil && allow.Contains(call.Name) {
		return nil
	}
	if matchPattern(r.cfg.Approval.AutoAllow, call.Name) {
		return nil
	}

	if r.approver == nil {
		r.logger.Warn("no approver configured, rejecting tool call",
			"tool", call.Name, "session_id", session.ID)
		return rejected()
	}

	waitCtx := ctx
	if timeout := r.approvalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &models.ToolApprovalRequest{
		CallID:    call.ID,
		ChannelID: session.ChannelID,
		SessionID: session.ID,
		ToolName:  call.Name,
		Arguments: string(call.Arguments),
	}
	decision, err := r.approver.RequestApproval(waitCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Info("approval timed out", "tool", call.Name, "session_id", session.ID)
		} else if !errors.Is(err, context.Canceled) {
			r.logger.Warn("approval request failed", "tool", call.Name, "error", err)
		}
		return rejected()
	}

	switch decision {
	case models.ApprovalApprove:
		return nil
	case models.ApprovalAllowForSession:
		if allow != nil {
			allow.Add(call.Name)
		}
		return nil
	default:
		return rejected()
	}
}

func (r *Runtime) approvalTimeout() time.Duration {
	switch {
	case r.cfg.Approval.Timeout < 0:
		return 0
	case r.cfg.Approval.Timeout == 0:
		return DefaultApprovalTimeout
	default:
		return r.cfg.Approval.Timeout
	}
}
