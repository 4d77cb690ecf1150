package realtime

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultRingSize is the number of most-recent measurements retained for
// percentile computation.
const DefaultRingSize = 1000

// DefaultSLA is the p99 bound delivery latency is checked against.
const DefaultSLA = 200 * time.Millisecond

// pendingGrace is how long an unacknowledged send is kept for matching before
// it is presumed delivered and dropped from accounting.
const pendingGrace = 60 * time.Second

// Measurement is one completed message round trip. Measurements live only in
// memory; they are never persisted.
type Measurement struct {
	MessageID  string
	Channel    string
	Kind       EventKind
	SentAt     time.Time
	ReceivedAt time.Time
	Latency    time.Duration
}

// Stats summarizes the retained measurements.
type Stats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Monitor tracks send/receive timestamps for propagated messages and computes
// latency percentiles over a bounded ring buffer (oldest evicted first).
// Sends and receives arrive from independent handler goroutines; all state is
// guarded by one mutex and Stats snapshots before computing so eviction never
// races a percentile read.
type Monitor struct {
	mu      sync.Mutex
	clock   func() time.Time
	pending map[string]time.Time
	ring    []Measurement
	next    int
	filled  bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock sets the clock function for testability.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMonitor constructs a Monitor retaining the given number of most-recent
// measurements; size <= 0 falls back to DefaultRingSize.
func NewMonitor(size int, opts ...MonitorOption) *Monitor {
	if size <= 0 {
		size = DefaultRingSize
	}
	m := &Monitor{
		clock:   time.Now,
		pending: make(map[string]time.Time),
		ring:    make([]Measurement, size),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// TrackSend records the wall-clock send time for a message.
func (m *Monitor) TrackSend(messageID string) {
	if messageID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.pending[messageID] = now

	// Presume delivery for stale sends so the pending map stays bounded
	// under lost acks.
	if len(m.pending) > 2*cap(m.ring) {
		for id, sentAt := range m.pending {
			if now.Sub(sentAt) > pendingGrace {
				delete(m.pending, id)
			}
		}
	}
}

// TrackReceive finalizes a measurement for a previously tracked send. Unknown
// or duplicate message IDs return ok=false rather than an error, since late
// and duplicate receives are expected under retry.
func (m *Monitor) TrackReceive(messageID, channel string, kind EventKind) (Measurement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sentAt, ok := m.pending[messageID]
	if !ok {
		return Measurement{}, false
	}
	delete(m.pending, messageID)

	receivedAt := m.clock()
	measurement := Measurement{
		MessageID:  messageID,
		Channel:    channel,
		Kind:       kind,
		SentAt:     sentAt,
		ReceivedAt: receivedAt,
		Latency:    receivedAt.Sub(sentAt),
	}

	m.ring[m.next] = measurement
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.filled = true
	}
	return measurement, true
}

// snapshot copies the retained latencies under the lock.
func (m *Monitor) snapshot() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.ring)
	}
	out := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		out[i] = m.ring[i].Latency
	}
	return out
}

// Stats computes count/min/max/mean and p50/p95/p99 over the retained window.
func (m *Monitor) Stats() Stats {
	latencies := m.snapshot()
	if len(latencies) == 0 {
		return Stats{}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	return Stats{
		Count: len(latencies),
		Min:   latencies[0],
		Max:   latencies[len(latencies)-1],
		Mean:  sum / time.Duration(len(latencies)),
		P50:   percentile(latencies, 50),
		P95:   percentile(latencies, 95),
		P99:   percentile(latencies, 99),
	}
}

// IsAcceptable compares the current p99 against an SLA threshold. An empty
// window is acceptable by definition.
func (m *Monitor) IsAcceptable(threshold time.Duration) bool {
	stats := m.Stats()
	if stats.Count == 0 {
		return true
	}
	return stats.P99 <= threshold
}

// percentile uses the nearest-rank method over an ascending-sorted slice: the
// p-th percentile of n samples is the ceil(p*n/100)-th ranked value.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
