package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/valet/pkg/models"
)

// maxPromptArgs caps how much of the tool arguments the approval
// prompt quotes back at the user.
const maxPromptArgs = 500

// ApprovalBroker turns tool approval requests into chat messages. The
// agent runtime blocks in RequestApproval while the prompt travels out
// through the channel; the next inbound message on that channel is
// consumed as the decision instead of starting a turn.
type ApprovalBroker struct {
	router *Router
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval // keyed by channel id
}

type pendingApproval struct {
	req      *models.ToolApprovalRequest
	decision chan models.ApprovalDecision
}

// NewApprovalBroker creates a broker that delivers prompts through the
// given router.
func NewApprovalBroker(router *Router, logger *slog.Logger) *ApprovalBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalBroker{
		router:  router,
		logger:  logger.With("component", "approval"),
		pending: make(map[string]*pendingApproval),
	}
}

// RequestApproval sends the approval prompt to the requesting channel
// and waits for the user's reply or ctx to expire. It implements
// agent.Approver; the runtime owns the decision timeout.
func (b *ApprovalBroker) RequestApproval(ctx context.Context, req *models.ToolApprovalRequest) (models.ApprovalDecision, error) {
	p := &pendingApproval{req: req, decision: make(chan models.ApprovalDecision, 1)}

	b.mu.Lock()
	if _, exists := b.pending[req.ChannelID]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("approval already pending on %s", req.ChannelID)
	}
	b.pending[req.ChannelID] = p
	b.mu.Unlock()
	defer b.remove(req.ChannelID, p)

	prompt := models.NewAgentResponse(req.ChannelID, req.SessionID, approvalPrompt(req))
	if err := b.router.RouteResponse(ctx, prompt); err != nil {
		return "", fmt.Errorf("deliver approval prompt: %w", err)
	}
	b.logger.Info("approval requested",
		"tool", req.ToolName, "channel_id", req.ChannelID, "call_id", req.CallID)

	select {
	case decision := <-p.decision:
		return decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// remove clears the pending entry if it is still p.
func (b *ApprovalBroker) remove(channelID string, p *pendingApproval) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[channelID] == p {
		delete(b.pending, channelID)
	}
}

// Intercept consumes evt as an approval decision when one is pending
// on its channel. It reports whether the event was consumed; a false
// return means the event should flow into a normal turn.
func (b *ApprovalBroker) Intercept(evt *models.ChannelEvent) bool {
	b.mu.Lock()
	p, ok := b.pending[evt.ChannelID]
	if ok {
		delete(b.pending, evt.ChannelID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	decision := ParseDecision(evt.UserMessage)
	b.logger.Info("approval decided",
		"tool", p.req.ToolName, "channel_id", evt.ChannelID,
		"call_id", p.req.CallID, "decision", string(decision))
	p.decision <- decision
	return true
}

// ParseDecision maps a free-form chat reply to an approval decision.
// Anything unrecognized rejects.
func ParseDecision(text string) models.ApprovalDecision {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "approve", "yes", "y", "ok":
		return models.ApprovalApprove
	case "allow", "always":
		return models.ApprovalAllowForSession
	default:
		return models.ApprovalReject
	}
}

func approvalPrompt(req *models.ToolApprovalRequest) string {
	args := req.Arguments
	if len(args) > maxPromptArgs {
		args = args[:maxPromptArgs] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tool approval required: %s\n", req.ToolName)
	if args != "" && args != "{}" && args != "null" {
		fmt.Fprintf(&b, "Arguments: %s\n", args)
	}
	b.WriteString(`Reply "approve" to run it once, "allow" to allow it for this session, or anything else to reject.`)
	return b.String()
}
