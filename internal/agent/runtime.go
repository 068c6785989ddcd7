// Package agent owns the reason-act loop: assemble the prompt, call the
// model provider, execute requested tools through the registry, and
// persist every step to the conversation store.
//
// One Runtime serves all sessions; per-session serialization is the
// gateway's job. ProcessTurn runs exactly one turn and always returns a
// terminal AgentResponse, never an error: provider failures, store
// failures, round caps, and cancellation all surface as responses the
// channel can render.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	// DefaultMaxRounds caps tool rounds per turn.
	DefaultMaxRounds = 30

	// DefaultRequestTimeout bounds one model call.
	DefaultRequestTimeout = 120 * time.Second

	// DefaultHistoryWindow bounds the message count loaded per turn.
	DefaultHistoryWindow = 40
)

// roundLimitMessage is the terminal error response for capped turns.
const roundLimitMessage = "Round limit reached."

// cancelledResultMessage marks tool calls a cancelled turn never ran.
const cancelledResultMessage = "Cancelled before execution."

// Config tunes the turn loop. Zero values take the defaults above.
type Config struct {
	// SystemPrompt overrides the base persona.
	SystemPrompt string

	// MaxRounds caps tool rounds per turn.
	MaxRounds int

	// RequestTimeout bounds each model call.
	RequestTimeout time.Duration

	// HistoryWindow is the message-count window, realigned to a user
	// boundary so a tool exchange is never split.
	HistoryWindow int

	// WindowChars is the character budget for loaded history.
	WindowChars int

	// OutputCap bounds tool-result content re-fed to the model. The
	// persisted record keeps the full content.
	OutputCap int

	// MaxTokens caps the model response length. Zero uses the
	// provider default.
	MaxTokens int

	// Approval gates tool execution.
	Approval ApprovalPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.WindowChars <= 0 {
		c.WindowChars = sessions.DefaultWindowChars
	}
	if c.OutputCap <= 0 {
		c.OutputCap = sessions.DefaultOutputCap
	}
	return c
}

// ProviderResolver returns the model backend for a provider name. The
// daemon implements it with constructed providers behind credential
// refresh; tests script it.
type ProviderResolver interface {
	Provider(ctx context.Context, name string) (Provider, error)
}

// SkillContext supplies the skill prompt fragment for the system
// prompt. The skills manager implements it.
type SkillContext interface {
	PromptBlock() string
}

// RuntimeOptions wires a Runtime. Store, Registry, Executor, and
// Resolver are required; Skills and Approver are optional.
type RuntimeOptions struct {
	Store    sessions.Store
	Registry *tools.Registry
	Executor *tools.Executor
	Resolver ProviderResolver
	Skills   SkillContext
	Approver Approver
	Config   Config
	Logger   *slog.Logger
}

// Runtime executes turns.
type Runtime struct {
	store    sessions.Store
	registry *tools.Registry
	executor *tools.Executor
	resolver ProviderResolver
	skills   SkillContext
	approver Approver
	cfg      Config
	logger   *slog.Logger
}

// NewRuntime validates the wiring and returns a Runtime.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Store == nil {
		return nil, errors.New("agent: session store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("agent: tool executor is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("agent: provider resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:    opts.Store,
		registry: opts.Registry,
		executor: opts.Executor,
		resolver: opts.Resolver,
		skills:   opts.Skills,
		approver: opts.Approver,
		cfg:      opts.Config.withDefaults(),
		logger:   logger.With("component", "agent"),
	}, nil
}

// TurnCancelledError records why a turn's context was cancelled. The
// gateway passes it to context.WithCancelCause so the terminal response
// can name the cause.
type TurnCancelledError struct {
	Cause models.CancellationCause
}

func (e *TurnCancelledError) Error() string {
	return "turn cancelled: " + string(e.Cause)
}

// CancellationCauseOf extracts the recorded cancellation cause, falling
// back to user-requested when none was recorded.
func CancellationCauseOf(ctx context.Context) models.CancellationCause {
	var tce *TurnCancelledError
	if errors.As(context.Cause(ctx), &tce) {
		return tce.Cause
	}
	return models.CancelledByUser
}

// ProcessTurn runs one reason-act turn for an inbound event and returns
// the terminal response. The caller holds the session's processing slot
// for the duration; allow is the session's live approval allowlist.
func (r *Runtime) ProcessTurn(ctx context.Context, session *models.Session, allow *Allowlist, event *models.ChannelEvent) *models.AgentResponse {
	logger := r.logger.With("session_id", session.ID, "channel_id", session.ChannelID)
	start := time.Now()

	userMsg := models.NewUserMessage(session.ID, event.UserMessage)
	if err := r.store.AppendMessage(ctx, session.ID, userMsg); err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, session, logger)
		}
		logger.Error("failed to persist user message", "error", err)
		return models.NewErrorResponse(session.ChannelID, session.ID, "Failed to record your message.")
	}

	system := BuildSystemPrompt(r.cfg.SystemPrompt, r.skillBlock())
	definitions := r.registry.Definitions()
	var usage TokenUsage

	for round := 0; ; round++ {
		if round >= r.cfg.MaxRounds {
			logger.Warn("round limit reached", "rounds", round)
			return models.NewErrorResponse(session.ChannelID, session.ID, roundLimitMessage)
		}
		if ctx.Err() != nil {
			return r.cancelled(ctx, session, logger)
		}

		history := r.loadHistory(ctx, session, userMsg, logger)

		provider, err := r.resolver.Provider(ctx, session.Provider)
		if err != nil {
			logger.Error("provider unavailable", "provider", session.Provider, "error", err)
			return models.NewErrorResponse(session.ChannelID, session.ID,
				fmt.Sprintf("Provider %q is not available: %v", session.Provider, err))
		}

		completion, err := r.complete(ctx, provider, session, system, history, definitions)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, session, logger)
			}
			if ReasonOf(err) == FailoverAuth {
				return r.authRequired(ctx, session, logger)
			}
			logger.Error("model request failed", "provider", session.Provider, "round", round, "error", err)
			return models.NewErrorResponse(session.ChannelID, session.ID,
				fmt.Sprintf("Model request failed: %v", err))
		}
		usage.InputTokens += completion.Usage.InputTokens
		usage.OutputTokens += completion.Usage.OutputTokens

		if len(completion.ToolCalls) == 0 {
			reply := models.NewAssistantMessage(session.ID, completion.Text)
			if err := r.store.AppendMessage(ctx, session.ID, reply); err != nil {
				if ctx.Err() != nil {
					return r.cancelled(ctx, session, logger)
				}
				logger.Error("failed to persist assistant message", "error", err)
				return models.NewErrorResponse(session.ChannelID, session.ID, "Failed to record the reply.")
			}
			logger.Info("turn complete",
				"rounds", round,
				"elapsed_ms", time.Since(start).Milliseconds(),
				"input_tokens", usage.InputTokens,
				"output_tokens", usage.OutputTokens)
			return models.NewAgentResponse(session.ChannelID, session.ID, completion.Text)
		}

		// Safe point: nothing is persisted for this round yet.
		if ctx.Err() != nil {
			return r.cancelled(ctx, session, logger)
		}

		callMsg := models.NewToolCallMessage(session.ID, completion.ToolCalls)
		callMsg.Content = completion.Text
		if err := r.store.AppendMessage(ctx, session.ID, callMsg); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, session, logger)
			}
			logger.Error("failed to persist tool-call message", "error", err)
			return models.NewErrorResponse(session.ChannelID, session.ID, "Failed to record the reply.")
		}

		if resp := r.runToolCalls(ctx, session, allow, completion.ToolCalls, logger); resp != nil {
			return resp
		}
	}
}

// runToolCalls executes one round's calls sequentially in index order.
// A non-nil return ends the turn. Once the tool-call message is
// persisted every call gets a persisted result: calls a cancelled turn
// never ran receive synthetic cancelled results.
func (r *Runtime) runToolCalls(ctx context.Context, session *models.Session, allow *Allowlist, calls []models.ToolCall, logger *slog.Logger) *models.AgentResponse {
	for i, call := range calls {
		if ctx.Err() != nil {
			r.synthesizeCancelled(session, calls[i:], logger)
			return r.cancelled(ctx, session, logger)
		}

		call.Arguments = prepareToolArgs(call)

		var result *models.ToolResult
		if rejection := r.approve(ctx, session, allow, call); rejection != nil {
			logger.Info("tool call rejected", "tool", call.Name, "call_id", call.ID)
			result = rejection
		} else {
			result = r.executor.Execute(ctx, &call)
		}

		msg := models.NewResultMessage(session.ID, result)
		if err := r.store.AppendMessage(context.WithoutCancel(ctx), session.ID, msg); err != nil {
			logger.Error("failed to persist tool result", "tool", call.Name, "error", err)
			return models.NewErrorResponse(session.ChannelID, session.ID, "Failed to record a tool result.")
		}
	}
	return nil
}

// synthesizeCancelled persists error results for calls the turn never
// dispatched, keeping every persisted tool-call message answered.
func (r *Runtime) synthesizeCancelled(session *models.Session, remaining []models.ToolCall, logger *slog.Logger) {
	for _, call := range remaining {
		msg := models.NewToolResultMessage(session.ID, call.ID, call.Name, cancelledResultMessage)
		msg.Metadata = map[string]string{"is_error": "true"}
		if err := r.store.AppendMessage(context.Background(), session.ID, msg); err != nil {
			logger.Warn("failed to persist cancelled tool result", "tool", call.Name, "error", err)
		}
	}
}

func (r *Runtime) cancelled(ctx context.Context, session *models.Session, logger *slog.Logger) *models.AgentResponse {
	cause := CancellationCauseOf(ctx)
	logger.Info("turn cancelled", "cause", cause)
	return models.NewCancelledResponse(session.ChannelID, session.ID, cause)
}

// authRequired replies with a login hint instead of a raw provider
// error. The hint persists as a normal assistant message so the
// conversation reads coherently after the user signs in.
func (r *Runtime) authRequired(ctx context.Context, session *models.Session, logger *slog.Logger) *models.AgentResponse {
	logger.Info("authentication required", "provider", session.Provider)
	text := fmt.Sprintf(
		"Authentication with %s failed or expired. Run `valet auth login` to sign in, then send your message again.",
		session.Provider)
	reply := models.NewAssistantMessage(session.ID, text)
	if err := r.store.AppendMessage(context.WithoutCancel(ctx), session.ID, reply); err != nil {
		logger.Warn("failed to persist auth hint", "error", err)
	}
	return models.NewAgentResponse(session.ChannelID, session.ID, text)
}

// loadHistory fetches and prepares the model-facing window. A store
// read failure falls back to a fresh context holding only the current
// user message.
func (r *Runtime) loadHistory(ctx context.Context, session *models.Session, userMsg *models.Message, logger *slog.Logger) []*models.Message {
	history, err := r.store.GetHistory(ctx, session.ID, r.cfg.HistoryWindow*2)
	if err != nil {
		logger.Warn("history read failed, using fresh context", "error", err)
		history = []*models.Message{userMsg}
	}
	history = trimMessageWindow(history, r.cfg.HistoryWindow)
	history = sessions.TrimWindow(history, r.cfg.WindowChars)
	return sessions.SanitizeHistory(history, r.cfg.OutputCap)
}

func (r *Runtime) complete(ctx context.Context, provider Provider, session *models.Session, system string, history []*models.Message, definitions []models.ToolDefinition) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	return provider.Complete(callCtx, &CompletionRequest{
		Model:     session.Model,
		System:    system,
		Messages:  history,
		Tools:     definitions,
		MaxTokens: r.cfg.MaxTokens,
	})
}

func (r *Runtime) skillBlock() string {
	if r.skills == nil {
		return ""
	}
	return r.skills.PromptBlock()
}

// trimMessageWindow bounds history to the most recent max messages,
// reopening at a user message so a tool exchange is never split. When
// no user message falls inside the window the raw cut stands and
// sanitization repairs the edges.
func trimMessageWindow(history []*models.Message, max int) []*models.Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	start := len(history) - max
	for i := start; i < len(history); i++ {
		if history[i].Role == models.RoleUser {
			return history[i:]
		}
	}
	return history[start:]
}

// prepareToolArgs hardens arguments for specific tools: container.run
// calls from the model always execute with subprocess fallback off.
func prepareToolArgs(call models.ToolCall) json.RawMessage {
	if call.Name != "container.run" {
		return call.Arguments
	}
	var object map[string]any
	if err := json.Unmarshal(call.Arguments, &object); err != nil || object == nil {
		return call.Arguments
	}
	object["allow_subprocess_fallback"] = false
	out, err := json.Marshal(object)
	if err != nil {
		return call.Arguments
	}
	return out
}
