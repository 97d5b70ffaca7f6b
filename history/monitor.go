package history

import (
	"sort"
	"sync"
	"time"
)

// Default sizing for the in-memory monitor.
const (
	DefaultWindowSize     = 256
	DefaultMaxFailures    = 20
	failureMessageMaxSize = 512
)

// Failure is one retained failed attempt.
type Failure struct {
	MessageID string
	Subject   string
	Error     string
	At        time.Time
}

// Snapshot summarizes recent attempts for one webhook.
type Snapshot struct {
	WebhookID      string
	Attempts       int
	Successes      int
	SuccessRate    float64
	LatencyAvgMS   float64
	LatencyMinMS   int64
	LatencyMaxMS   int64
	LatencyP50MS   int64
	LatencyP95MS   int64
	LatencyP99MS   int64
	RecentFailures []Failure
}

// ring holds the last windowSize attempts for one webhook.
type ring struct {
	latencies []int64
	successes []bool
	next      int
	filled    bool
	failures  []Failure
}

// Monitor keeps bounded per-webhook windows of recent publish attempts.
// Memory use is fixed per webhook regardless of publish volume.
type Monitor struct {
	mu          sync.RWMutex
	windowSize  int
	maxFailures int
	webhooks    map[string]*ring
}

// NewMonitor builds a monitor with the given window size per webhook.
// Non-positive sizes fall back to the defaults.
func NewMonitor(windowSize, maxFailures int) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Monitor{
		windowSize:  windowSize,
		maxFailures: maxFailures,
		webhooks:    make(map[string]*ring),
	}
}

// Observe folds one record into the webhook's window.
func (m *Monitor) Observe(rec *Record) {
	if rec == nil || rec.WebhookID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.webhooks[rec.WebhookID]
	if !ok {
		r = &ring{
			latencies: make([]int64, m.windowSize),
			successes: make([]bool, m.windowSize),
		}
		m.webhooks[rec.WebhookID] = r
	}

	r.latencies[r.next] = rec.LatencyMS
	r.successes[r.next] = rec.Success
	r.next++
	if r.next == m.windowSize {
		r.next = 0
		r.filled = true
	}

	if !rec.Success {
		msg := rec.Error
		if len(msg) > failureMessageMaxSize {
			msg = msg[:failureMessageMaxSize]
		}
		r.failures = append(r.failures, Failure{
			MessageID: rec.MessageID,
			Subject:   rec.Subject,
			Error:     msg,
			At:        rec.PublishedAt,
		})
		if len(r.failures) > m.maxFailures {
			r.failures = r.failures[len(r.failures)-m.maxFailures:]
		}
	}
}

// Snapshot returns the current statistics for a webhook. Unknown
// webhooks return a zero snapshot.
func (m *Monitor) Snapshot(webhookID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{WebhookID: webhookID}
	r, ok := m.webhooks[webhookID]
	if !ok {
		return snap
	}

	n := r.next
	if r.filled {
		n = m.windowSize
	}
	if n == 0 {
		return snap
	}

	latencies := make([]int64, n)
	copy(latencies, r.latencies[:n])
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum int64
	for _, l := range latencies {
		sum += l
	}
	for _, ok := range r.successes[:n] {
		if ok {
			snap.Successes++
		}
	}

	snap.Attempts = n
	snap.SuccessRate = float64(snap.Successes) / float64(n)
	snap.LatencyAvgMS = float64(sum) / float64(n)
	snap.LatencyMinMS = latencies[0]
	snap.LatencyMaxMS = latencies[n-1]
	snap.LatencyP50MS = percentile(latencies, 50)
	snap.LatencyP95MS = percentile(latencies, 95)
	snap.LatencyP99MS = percentile(latencies, 99)
	snap.RecentFailures = append([]Failure(nil), r.failures...)
	return snap
}

// Webhooks returns the IDs currently tracked.
func (m *Monitor) Webhooks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.webhooks))
	for id := range m.webhooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
