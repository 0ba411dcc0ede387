package server

import (
	"sync"
	"time"
)

const recentRequestCap = 1000

// PayerStats aggregates request outcomes for one paying client.
type PayerStats struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	TotalDuration int64   `json:"totalDurationMs"`
	SuccessRate   float64 `json:"successRate"`
}

// recentRequest is one entry in the rolling activity window.
type recentRequest struct {
	Timestamp int64  `json:"timestamp"`
	Payer     string `json:"payer"`
	Duration  int64  `json:"durationMs"`
	Status    int    `json:"status"`
}

// UsageSnapshot is the /stats usage section.
type UsageSnapshot struct {
	TotalRequests  int64                 `json:"totalRequests"`
	UniquePayers   int                   `json:"uniquePayers"`
	AvgDurationMs  int64                 `json:"avgDurationMs"`
	RecentActivity []recentRequest       `json:"recentActivity"`
	PerPayer       map[string]PayerStats `json:"perPayer"`
}

// UsageTracker keeps per-payer request metrics in memory, scoped to the
// server lifetime and passed to handlers explicitly.
type UsageTracker struct {
	mu     sync.Mutex
	payers map[string]*PayerStats
	recent []recentRequest
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{payers: make(map[string]*PayerStats)}
}

// Record tracks one paid request.
func (t *UsageTracker) Record(payer string, status int, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.payers[payer]
	if !ok {
		stats = &PayerStats{}
		t.payers[payer] = stats
	}
	stats.Count++
	stats.TotalDuration += duration.Milliseconds()
	if status >= 500 {
		stats.Errors++
	}
	stats.SuccessRate = float64(stats.Count-stats.Errors) / float64(stats.Count) * 100

	t.recent = append(t.recent, recentRequest{
		Timestamp: time.Now().Unix(),
		Payer:     payer,
		Duration:  duration.Milliseconds(),
		Status:    status,
	})
	if len(t.recent) > recentRequestCap {
		t.recent = t.recent[len(t.recent)-recentRequestCap:]
	}
}

// Snapshot returns a copy of the aggregate usage state.
func (t *UsageTracker) Snapshot() UsageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := UsageSnapshot{
		UniquePayers: len(t.payers),
		PerPayer:     make(map[string]PayerStats, len(t.payers)),
	}
	var totalDuration int64
	for payer, stats := range t.payers {
		snap.PerPayer[payer] = *stats
		snap.TotalRequests += stats.Count
		totalDuration += stats.TotalDuration
	}
	if snap.TotalRequests > 0 {
		snap.AvgDurationMs = totalDuration / snap.TotalRequests
	}
	n := len(t.recent)
	if n > 10 {
		n = 10
	}
	snap.RecentActivity = append([]recentRequest(nil), t.recent[len(t.recent)-n:]...)
	return snap
}
