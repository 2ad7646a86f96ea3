package channels

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks one adapter's round and delivery activity.
type Metrics struct {
	inboundMessages atomic.Uint64
	roundsStarted   atomic.Uint64
	roundsCompleted atomic.Uint64
	roundsFailed    atomic.Uint64
	streamPushes    atomic.Uint64
	pushFailures    atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	// pushLatency tracks how long platform deliveries take, edits included.
	pushLatency *LatencyHistogram

	platform  string
	startTime time.Time
}

// NewMetrics creates metrics for one platform adapter.
func NewMetrics(platform string) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		pushLatency:  NewLatencyHistogram(),
		platform:     platform,
		startTime:    time.Now(),
	}
}

// RecordInbound counts one inbound platform message.
func (m *Metrics) RecordInbound() { m.inboundMessages.Add(1) }

// RecordRoundStarted counts one round begun.
func (m *Metrics) RecordRoundStarted() { m.roundsStarted.Add(1) }

// RecordRoundCompleted counts one round finished cleanly.
func (m *Metrics) RecordRoundCompleted() { m.roundsCompleted.Add(1) }

// RecordRoundFailed counts one round ended by a fatal error.
func (m *Metrics) RecordRoundFailed() { m.roundsFailed.Add(1) }

// RecordStreamPush counts one event delivered to the platform.
func (m *Metrics) RecordStreamPush() { m.streamPushes.Add(1) }

// RecordPushFailure counts one delivery that errored.
func (m *Metrics) RecordPushFailure() { m.pushFailures.Add(1) }

// RecordError counts an error by its classification code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, exists := m.errorsByCode[code]
	if !exists {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()

	counter.Add(1)
}

// RecordPushLatency records how long one platform delivery took.
func (m *Metrics) RecordPushLatency(duration time.Duration) {
	m.pushLatency.Record(duration)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		Platform:        m.platform,
		InboundMessages: m.inboundMessages.Load(),
		RoundsStarted:   m.roundsStarted.Load(),
		RoundsCompleted: m.roundsCompleted.Load(),
		RoundsFailed:    m.roundsFailed.Load(),
		StreamPushes:    m.streamPushes.Load(),
		PushFailures:    m.pushFailures.Load(),
		ErrorsByCode:    errs,
		PushLatency:     m.pushLatency.Snapshot(),
		Uptime:          time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of adapter metrics.
type MetricsSnapshot struct {
	Platform        string
	InboundMessages uint64
	RoundsStarted   uint64
	RoundsCompleted uint64
	RoundsFailed    uint64
	StreamPushes    uint64
	PushFailures    uint64
	ErrorsByCode    map[ErrorCode]uint64
	PushLatency     LatencySnapshot
	Uptime          time.Duration
}

// LatencyHistogram keeps a ring of recent samples for percentile
// calculation.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
	max     int
}

// NewLatencyHistogram keeps the last 1000 samples.
func NewLatencyHistogram() *LatencyHistogram {
	const defaultMaxSamples = 1000
	return &LatencyHistogram{
		samples: make([]time.Duration, defaultMaxSamples),
		max:     defaultMaxSamples,
	}
}

// Record adds one sample.
func (h *LatencyHistogram) Record(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.max == 0 {
		return
	}
	h.samples[h.head] = duration
	h.head = (h.head + 1) % h.max
	if h.count < h.max {
		h.count++
	}
}

// Snapshot computes summary statistics over the retained samples.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, h.count)
	if h.count < h.max {
		copy(sorted, h.samples[:h.count])
	} else {
		for i := 0; i < h.count; i++ {
			sorted[i] = h.samples[(h.head+i)%h.max]
		}
	}

	// Insertion sort; the sample cap keeps this cheap.
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

// LatencySnapshot summarizes a latency distribution.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}
