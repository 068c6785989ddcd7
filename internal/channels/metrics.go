package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// Metrics tracks per-adapter counters: event and response volumes,
// errors by code, send latency, and connection churn. All methods are
// safe for concurrent use.
type Metrics struct {
	eventsReceived atomic.Uint64
	responsesSent  atomic.Uint64
	sendFailures   atomic.Uint64
	dropped        atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	sendLatency *LatencyHistogram

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a Metrics instance for one adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		sendLatency:  NewLatencyHistogram(),
		channelType:  channelType,
		startTime:    time.Now(),
	}
}

// RecordEventReceived counts one inbound event.
func (m *Metrics) RecordEventReceived() {
	m.eventsReceived.Add(1)
}

// RecordResponseSent counts one delivered response.
func (m *Metrics) RecordResponseSent() {
	m.responsesSent.Add(1)
}

// RecordSendFailed counts one failed delivery.
func (m *Metrics) RecordSendFailed() {
	m.sendFailures.Add(1)
}

// RecordDropped counts one inbound event discarded because the event
// channel was full.
func (m *Metrics) RecordDropped() {
	m.dropped.Add(1)
}

// RecordError counts one error under its code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, ok := m.errorsByCode[code]
	if !ok {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()

	counter.Add(1)
}

// RecordSendLatency records how long one delivery took.
func (m *Metrics) RecordSendLatency(d time.Duration) {
	m.sendLatency.Record(d)
}

// RecordConnectionOpened counts one established connection.
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsOpened.Add(1)
}

// RecordConnectionClosed counts one closed connection.
func (m *Metrics) RecordConnectionClosed() {
	m.connectionsClosed.Add(1)
}

// RecordReconnectAttempt counts one reconnection attempt.
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Add(1)
}

// Snapshot returns a point-in-time copy of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		EventsReceived:    m.eventsReceived.Load(),
		ResponsesSent:     m.responsesSent.Load(),
		SendFailures:      m.sendFailures.Load(),
		Dropped:           m.dropped.Load(),
		ErrorsByCode:      errs,
		SendLatency:       m.sendLatency.Snapshot(),
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of adapter metrics.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType
	EventsReceived    uint64
	ResponsesSent     uint64
	SendFailures      uint64
	Dropped           uint64
	ErrorsByCode      map[ErrorCode]uint64
	SendLatency       LatencySnapshot
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ReconnectAttempts uint64
	Uptime            time.Duration
}

// latencySamples bounds the histogram ring buffer. Percentiles are
// computed over the most recent window only.
const latencySamples = 1000

// LatencyHistogram keeps a ring of recent duration samples and
// computes percentiles over them.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
}

// NewLatencyHistogram creates a histogram over the last
// latencySamples measurements.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{samples: make([]time.Duration, latencySamples)}
}

// Record adds one sample, evicting the oldest when the ring is full.
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.head] = d
	h.head = (h.head + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

// Snapshot computes min, max, mean, and percentiles over the current
// window.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, h.count)
	if h.count < len(h.samples) {
		copy(sorted, h.samples[:h.count])
	} else {
		for i := 0; i < h.count; i++ {
			sorted[i] = h.samples[(h.head+i)%len(h.samples)]
		}
	}

	// Insertion sort is fine at this window size.
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// LatencySnapshot summarizes a latency window.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}
