package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

// Handle is the live half of a session: its event queue, its in-memory
// tool allowlist, and the cancel hook for whatever turn is running.
// The durable half lives in the session store.
type Handle struct {
	channelID string
	sessionID string
	allow     *agent.Allowlist

	// queue is only ever written by the dispatch goroutine and is
	// never closed; retirement is signalled through done instead.
	queue chan *models.ChannelEvent
	done  chan struct{}

	workerOnce sync.Once
	retireOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func newHandle(channelID, sessionID string, allow *agent.Allowlist, queueSize int) *Handle {
	return &Handle{
		channelID: channelID,
		sessionID: sessionID,
		allow:     allow,
		queue:     make(chan *models.ChannelEvent, queueSize),
		done:      make(chan struct{}),
	}
}

// ChannelID returns the channel this handle is bound to.
func (h *Handle) ChannelID() string { return h.channelID }

// SessionID returns the durable session behind this handle.
func (h *Handle) SessionID() string { return h.sessionID }

// Allowlist returns the session's tool allowlist.
func (h *Handle) Allowlist() *agent.Allowlist { return h.allow }

// enqueue offers an event to the session queue without blocking. It
// reports false when the queue is full or the handle is retired.
func (h *Handle) enqueue(evt *models.ChannelEvent) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.queue <- evt:
		return true
	default:
		return false
	}
}

// retire marks the handle dead. Its worker exits and drops anything
// still queued; the channel's next event gets a fresh handle.
func (h *Handle) retire() {
	h.retireOnce.Do(func() { close(h.done) })
}

// beginTurn installs a fresh cancel hook and returns the turn context.
func (h *Handle) beginTurn(parent context.Context) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return ctx
}

// endTurn releases the hook installed by beginTurn.
func (h *Handle) endTurn() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

// CancelTurn cancels the in-flight turn, if any, attributing it to
// cause. It reports whether a turn was running.
func (h *Handle) CancelTurn(cause models.CancellationCause) bool {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(&agent.TurnCancelledError{Cause: cause})
	return true
}
