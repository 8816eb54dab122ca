package monitoring

import (
	"maps"
	"sync"
	"time"

	"flowqos/ml"
)

// TrafficSummary is the snapshot served to the dashboard.
type TrafficSummary struct {
	Total          int64            `json:"total"`
	ByLabel        map[string]int64 `json:"by_label"`
	Degraded       int64            `json:"degraded"`
	WithConfidence int64            `json:"with_confidence"`
	MeanConfidence float64          `json:"mean_confidence"`
	Errors         int64            `json:"errors"`
	Recent         []RecentEntry    `json:"recent"`
	Uptime         string           `json:"uptime"`
	LastUpdate     time.Time        `json:"last_update"`
}

type RecentEntry struct {
	Label      string    `json:"label"`
	Confidence *float64  `json:"confidence"`
	Degraded   bool      `json:"degraded"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrafficStats keeps running totals of served predictions and a short
// window of the most recent ones.
type TrafficStats struct {
	mu sync.RWMutex

	total          int64
	byLabel        map[string]int64
	degraded       int64
	withConfidence int64
	confidenceSum  float64
	errors         int64

	recent     []RecentEntry
	next       int
	window     int
	startTime  time.Time
	lastUpdate time.Time
}

func NewTrafficStats(window int) *TrafficStats {
	if window <= 0 {
		window = 50
	}
	return &TrafficStats{
		byLabel:   make(map[string]int64),
		recent:    make([]RecentEntry, 0, window),
		window:    window,
		startTime: time.Now(),
	}
}

func (ts *TrafficStats) Record(source string, res *ml.Result) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	ts.total++
	ts.byLabel[res.Label]++
	if res.Degraded {
		ts.degraded++
	}
	if res.Confidence != nil {
		ts.withConfidence++
		ts.confidenceSum += *res.Confidence
	}
	ts.lastUpdate = now

	entry := RecentEntry{
		Label:      res.Label,
		Confidence: res.Confidence,
		Degraded:   res.Degraded,
		Source:     source,
		Timestamp:  now,
	}
	if len(ts.recent) < ts.window {
		ts.recent = append(ts.recent, entry)
		return
	}
	ts.recent[ts.next] = entry
	ts.next = (ts.next + 1) % ts.window
}

func (ts *TrafficStats) RecordError() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.errors++
	ts.lastUpdate = time.Now()
}

// Snapshot returns a copy; Recent is newest first.
func (ts *TrafficStats) Snapshot() TrafficSummary {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	s := TrafficSummary{
		Total:          ts.total,
		ByLabel:        maps.Clone(ts.byLabel),
		Degraded:       ts.degraded,
		WithConfidence: ts.withConfidence,
		Errors:         ts.errors,
		Uptime:         time.Since(ts.startTime).Round(time.Second).String(),
		LastUpdate:     ts.lastUpdate,
	}
	if ts.withConfidence > 0 {
		s.MeanConfidence = ts.confidenceSum / float64(ts.withConfidence)
	}

	n := len(ts.recent)
	s.Recent = make([]RecentEntry, 0, n)
	for i := 1; i <= n; i++ {
		// ts.next is the oldest slot once the window has wrapped.
		idx := (ts.next - i + n) % n
		if n < ts.window {
			idx = n - i
		}
		s.Recent = append(s.Recent, ts.recent[idx])
	}
	return s
}

func (ts *TrafficStats) Reset() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.total, ts.degraded, ts.withConfidence, ts.errors = 0, 0, 0, 0
	ts.confidenceSum = 0
	ts.byLabel = make(map[string]int64)
	ts.recent = ts.recent[:0]
	ts.next = 0
}
