// Package channels defines the adapter contract that connects chat
// surfaces (Telegram, Discord, Slack, WhatsApp, the local CLI, raw
// WebSocket clients) to the gateway, plus the shared plumbing every
// adapter needs: status tracking, metrics, rate limiting, and message
// chunking.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// Adapter is implemented by every channel backend. An adapter owns one
// connection to one chat surface: it turns platform traffic into
// ChannelEvents and delivers AgentResponses back to the right chat.
type Adapter interface {
	// Start connects to the platform and begins emitting events.
	// It returns once the adapter is running; receive loops run on
	// background goroutines owned by the adapter.
	Start(ctx context.Context) error

	// Stop shuts the adapter down. It waits for background work to
	// finish or for ctx to expire, whichever comes first.
	Stop(ctx context.Context) error

	// Send delivers one agent response to the chat identified by
	// resp.ChannelID. Responses longer than the platform limit are
	// split before delivery.
	Send(ctx context.Context, resp *models.AgentResponse) error

	// Messages returns the stream of inbound events. The channel
	// should be closed when the adapter stops; consumers must not
	// depend on it and should watch their own shutdown signal too.
	Messages() <-chan *models.ChannelEvent

	// Type identifies the platform this adapter speaks to.
	Type() models.ChannelType

	// Status reports the current connection state.
	Status() Status

	// HealthCheck probes the upstream service. Implementations keep
	// this cheap; the gateway calls it on a timer.
	HealthCheck(ctx context.Context) HealthStatus

	// Metrics returns a point-in-time snapshot of adapter counters.
	Metrics() MetricsSnapshot
}

// Status is the connection state of an adapter.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix seconds
}

// HealthStatus is the result of one health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`

	// Degraded means the adapter is up but reconnecting or otherwise
	// operating below full capacity.
	Degraded bool `json:"degraded,omitempty"`
}

// Registry holds the set of configured adapters, at most one per
// channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any previous adapter of the same
// type.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts every adapter, failing fast on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every adapter and returns the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans all adapter event streams into one channel.
// The returned channel closes when every adapter stream has closed or
// ctx is cancelled. Call after Register and before StartAll so no
// events are missed.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.ChannelEvent {
	out := make(chan *models.ChannelEvent)

	var wg sync.WaitGroup
	for _, adapter := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
