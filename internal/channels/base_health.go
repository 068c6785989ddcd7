package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// BaseHealthAdapter carries the status, degraded flag, and metrics
// shared by most adapters. Embed it and override HealthCheck when the
// platform offers a real probe.
type BaseHealthAdapter struct {
	channelType models.ChannelType
	logger      *slog.Logger

	status   Status
	statusMu sync.RWMutex

	degraded atomic.Bool

	metrics *Metrics
}

// NewBaseHealthAdapter creates the shared adapter state.
func NewBaseHealthAdapter(channelType models.ChannelType, logger *slog.Logger) *BaseHealthAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseHealthAdapter{
		channelType: channelType,
		logger:      logger.With("adapter", string(channelType)),
		metrics:     NewMetrics(channelType),
	}
}

// Status returns the current connection status.
func (b *BaseHealthAdapter) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// SetStatus replaces the connection status and stamps the ping time.
func (b *BaseHealthAdapter) SetStatus(connected bool, errMsg string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status = Status{
		Connected: connected,
		Error:     errMsg,
		LastPing:  time.Now().Unix(),
	}
}

// UpdateLastPing refreshes the ping time without touching state.
func (b *BaseHealthAdapter) UpdateLastPing() {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status.LastPing = time.Now().Unix()
}

// SetDegraded flags the adapter as running below full capacity.
func (b *BaseHealthAdapter) SetDegraded(v bool) {
	b.degraded.Store(v)
}

// IsDegraded reports the degraded flag.
func (b *BaseHealthAdapter) IsDegraded() bool {
	return b.degraded.Load()
}

// Metrics returns a snapshot of the adapter counters.
func (b *BaseHealthAdapter) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// RecordEventReceived counts one inbound event.
func (b *BaseHealthAdapter) RecordEventReceived() {
	b.metrics.RecordEventReceived()
}

// RecordResponseSent counts one delivered response.
func (b *BaseHealthAdapter) RecordResponseSent() {
	b.metrics.RecordResponseSent()
}

// RecordSendFailed counts one failed delivery.
func (b *BaseHealthAdapter) RecordSendFailed() {
	b.metrics.RecordSendFailed()
}

// RecordDropped counts one discarded inbound event.
func (b *BaseHealthAdapter) RecordDropped() {
	b.metrics.RecordDropped()
}

// RecordError counts one error under its code.
func (b *BaseHealthAdapter) RecordError(code ErrorCode) {
	b.metrics.RecordError(code)
}

// RecordSendLatency records one delivery duration.
func (b *BaseHealthAdapter) RecordSendLatency(d time.Duration) {
	b.metrics.RecordSendLatency(d)
}

// RecordConnectionOpened counts one established connection.
func (b *BaseHealthAdapter) RecordConnectionOpened() {
	b.metrics.RecordConnectionOpened()
}

// RecordConnectionClosed counts one closed connection.
func (b *BaseHealthAdapter) RecordConnectionClosed() {
	b.metrics.RecordConnectionClosed()
}

// RecordReconnectAttempt counts one reconnection attempt.
func (b *BaseHealthAdapter) RecordReconnectAttempt() {
	b.metrics.RecordReconnectAttempt()
}

// HealthCheck derives health from connection status. Adapters with a
// real upstream probe shadow this method.
func (b *BaseHealthAdapter) HealthCheck(ctx context.Context) HealthStatus {
	_ = ctx
	start := time.Now()
	status := b.Status()

	healthy := status.Connected && status.Error == ""
	message := "ok"
	if !healthy {
		message = "not connected"
		if status.Error != "" {
			message = status.Error
		}
	}

	return HealthStatus{
		Healthy:   healthy,
		Latency:   time.Since(start),
		Message:   message,
		LastCheck: time.Now(),
		Degraded:  b.IsDegraded(),
	}
}

// Logger returns the adapter-scoped logger.
func (b *BaseHealthAdapter) Logger() *slog.Logger {
	return b.logger
}
