package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

// DefaultQueueSize bounds the per-session event queue.
const DefaultQueueSize = 16

// Sink delivers responses to one specific client, bypassing the channel
// adapters. Callers that inject events without a backing chat surface
// (the scheduler, tests) register one per channel id.
type Sink func(ctx context.Context, resp *models.AgentResponse) error

// RouterOptions configures a Router.
type RouterOptions struct {
	Store    sessions.Store
	Registry *channels.Registry

	// Provider and Model seed newly created sessions.
	Provider string
	Model    string

	// QueueSize bounds each session queue. Zero means DefaultQueueSize.
	QueueSize int

	Logger *slog.Logger
}

// Router maps channel ids to live session handles and delivers agent
// responses back to whichever surface can reach the user. Handles are
// replaced, never mutated in place: rebinding a channel to another
// session installs a fresh handle and retires the old one.
type Router struct {
	store     sessions.Store
	registry  *channels.Registry
	provider  string
	model     string
	queueSize int
	logger    *slog.Logger

	// handles maps channel id -> *Handle. Only the dispatch goroutine
	// writes it; workers read their own handle.
	handles sync.Map

	// allowlists maps session id -> *agent.Allowlist, so an allowance
	// granted for a session outlives handle replacement.
	allowlists sync.Map

	sinkMu sync.RWMutex
	sinks  map[string]Sink
}

// NewRouter creates a router over the given session store and adapter
// registry.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		store:     opts.Store,
		registry:  opts.Registry,
		provider:  opts.Provider,
		model:     opts.Model,
		queueSize: queueSize,
		logger:    logger.With("component", "router"),
		sinks:     make(map[string]Sink),
	}
}

// Ensure resolves the session handle for a channel. A valid session
// hint rebinds the channel to that session; otherwise the existing
// binding is reused, and a channel seen for the first time gets a
// fresh session.
func (r *Router) Ensure(ctx context.Context, channelID, sessionHint string) (*Handle, error) {
	if sessionHint != "" {
		session, err := r.store.Get(ctx, sessionHint)
		switch {
		case err == nil:
			return r.bind(channelID, session.ID), nil
		case errors.Is(err, sessions.ErrNotFound):
			r.logger.Debug("ignoring unknown session hint",
				"channel_id", channelID, "session_id", sessionHint)
		default:
			return nil, fmt.Errorf("resolve session hint: %w", err)
		}
	}

	if v, ok := r.handles.Load(channelID); ok {
		return v.(*Handle), nil
	}

	session, err := r.store.GetOrCreate(ctx, channelID, r.provider, r.model)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	handle := newHandle(channelID, session.ID, r.allowlistFor(session.ID), r.queueSize)
	if actual, loaded := r.handles.LoadOrStore(channelID, handle); loaded {
		return actual.(*Handle), nil
	}
	return handle, nil
}

// bind points channelID at sessionID, reusing the current handle when
// it already matches and retiring it when it does not.
func (r *Router) bind(channelID, sessionID string) *Handle {
	if v, ok := r.handles.Load(channelID); ok {
		current := v.(*Handle)
		if current.SessionID() == sessionID {
			return current
		}
	}

	handle := newHandle(channelID, sessionID, r.allowlistFor(sessionID), r.queueSize)
	if prev, ok := r.handles.Swap(channelID, handle); ok {
		old := prev.(*Handle)
		r.logger.Info("channel rebound",
			"channel_id", channelID, "from", old.SessionID(), "to", sessionID)
		old.retire()
	}
	return handle
}

func (r *Router) allowlistFor(sessionID string) *agent.Allowlist {
	v, _ := r.allowlists.LoadOrStore(sessionID, agent.NewAllowlist())
	return v.(*agent.Allowlist)
}

// Lookup returns the current handle for a channel without creating one.
func (r *Router) Lookup(channelID string) (*Handle, bool) {
	v, ok := r.handles.Load(channelID)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Drop removes the binding for channelID if it still points at handle,
// typically after its session row vanished. The channel's next event
// creates a fresh session.
func (r *Router) Drop(channelID string, handle *Handle) {
	if v, ok := r.handles.Load(channelID); ok && v.(*Handle) == handle {
		r.handles.Delete(channelID)
		r.allowlists.Delete(handle.SessionID())
		handle.retire()
	}
}

// CancelAll cancels every in-flight turn with the given cause and
// returns how many were running.
func (r *Router) CancelAll(cause models.CancellationCause) int {
	cancelled := 0
	r.handles.Range(func(_, v any) bool {
		if v.(*Handle).CancelTurn(cause) {
			cancelled++
		}
		return true
	})
	return cancelled
}

// RegisterSink installs a per-client response sink for a channel id.
func (r *Router) RegisterSink(clientID string, sink Sink) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sinks[clientID] = sink
}

// UnregisterSink removes a per-client response sink.
func (r *Router) UnregisterSink(clientID string) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	delete(r.sinks, clientID)
}

// RouteResponse delivers a response to the exact client sink when one
// is registered, otherwise to the adapter that owns the channel.
func (r *Router) RouteResponse(ctx context.Context, resp *models.AgentResponse) error {
	r.sinkMu.RLock()
	sink := r.sinks[resp.ChannelID]
	r.sinkMu.RUnlock()
	if sink != nil {
		return sink(ctx, resp)
	}

	adapterType, _ := models.SplitChannelID(resp.ChannelID)
	adapter, ok := r.registry.Get(adapterType)
	if !ok {
		return channels.ErrUnavailable(
			fmt.Sprintf("no adapter for channel %q", resp.ChannelID), nil)
	}
	return adapter.Send(ctx, resp)
}
