package collector

import (
	"sort"
	"time"
)

// Metrics contains aggregated run results.
type Metrics struct {
	Ticks       int           `json:"ticks"`
	FailedTicks int           `json:"failedTicks"`
	Steps       int           `json:"steps"`
	StepsPerSec float64       `json:"stepsPerSec"`
	RunDuration time.Duration `json:"runDuration"`

	Episodes         int     `json:"episodes"`
	AvgReturn        float64 `json:"avgReturn"`
	AvgEpisodeLength float64 `json:"avgEpisodeLength"`

	Faults   int `json:"faults"`
	Timeouts int `json:"timeouts"`
	Crashes  int `json:"crashes"`
	Respawns int `json:"respawns"`
	Lost     int `json:"lost"`

	// Latency holds timings per event kind: "tick", "dispatch", "flush".
	Latency map[string]*LatencyMetrics `json:"latency"`
}

// DurationMetrics contains latency statistics.
type DurationMetrics struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// LatencyMetrics contains statistics for one timed event kind.
type LatencyMetrics struct {
	Count    int             `json:"count"`
	Failed   int             `json:"failed"`
	Duration DurationMetrics `json:"durations"`
}

// FailureRate returns the failed share in percent.
func (l *LatencyMetrics) FailureRate() float64 {
	if l == nil || l.Count == 0 {
		return 0
	}
	return float64(l.Failed) / float64(l.Count) * 100
}

// ComputePercentile calculates the percentile value from a sorted slice of durations.
// The percentile p should be between 0 and 1 (e.g., 0.95 for p95).
// The slice must be sorted in ascending order.
func ComputePercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	// nearest rank
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// ComputeDurationMetrics calculates all duration statistics from a slice of durations.
func ComputeDurationMetrics(durations []time.Duration) DurationMetrics {
	if len(durations) == 0 {
		return DurationMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return DurationMetrics{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / time.Duration(len(sorted)),
		P50: ComputePercentile(sorted, 0.50),
		P90: ComputePercentile(sorted, 0.90),
		P95: ComputePercentile(sorted, 0.95),
		P99: ComputePercentile(sorted, 0.99),
	}
}
