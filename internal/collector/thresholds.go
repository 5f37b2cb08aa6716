package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds defines pass/fail criteria for a run.
type Thresholds struct {
	TickDuration     *DurationThresholds `yaml:"tick_duration"`
	DispatchDuration *DurationThresholds `yaml:"dispatch_duration"`
	TickFailed       *FailureThresholds  `yaml:"tick_failed"`
	MinStepsPerSec   float64             `yaml:"min_steps_per_sec"`
	MaxLost          *int                `yaml:"max_lost"`
}

// DurationThresholds defines latency limits.
type DurationThresholds struct {
	Avg time.Duration `yaml:"avg"`
	P50 time.Duration `yaml:"p50"`
	P90 time.Duration `yaml:"p90"`
	P95 time.Duration `yaml:"p95"`
	P99 time.Duration `yaml:"p99"`
}

// FailureThresholds defines error rate limits.
type FailureThresholds struct {
	Rate string `yaml:"rate"`
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Check evaluates all thresholds against computed metrics.
func (t *Thresholds) Check(m *Metrics) *ThresholdResults {
	if t == nil {
		return &ThresholdResults{Passed: true, Results: nil}
	}

	results := &ThresholdResults{
		Passed:  true,
		Results: make([]ThresholdResult, 0),
	}

	if t.TickDuration != nil {
		results.checkDurationThresholds("tick_duration", t.TickDuration, m.Latency["tick"])
	}
	if t.DispatchDuration != nil {
		results.checkDurationThresholds("dispatch_duration", t.DispatchDuration, m.Latency["dispatch"])
	}
	if t.TickFailed != nil && t.TickFailed.Rate != "" {
		results.checkFailureRate("tick_failed.rate", t.TickFailed, m.Latency["tick"])
	}
	if t.MinStepsPerSec > 0 {
		results.add(ThresholdResult{
			Name:      "steps_per_sec",
			Passed:    m.StepsPerSec >= t.MinStepsPerSec,
			Threshold: fmt.Sprintf(">= %.1f", t.MinStepsPerSec),
			Actual:    fmt.Sprintf("%.1f", m.StepsPerSec),
		})
	}
	if t.MaxLost != nil {
		results.add(ThresholdResult{
			Name:      "lost_workers",
			Passed:    m.Lost <= *t.MaxLost,
			Threshold: fmt.Sprintf("<= %d", *t.MaxLost),
			Actual:    strconv.Itoa(m.Lost),
		})
	}

	return results
}

func (r *ThresholdResults) add(result ThresholdResult) {
	if !result.Passed {
		r.Passed = false
	}
	r.Results = append(r.Results, result)
}

func (r *ThresholdResults) checkDurationThresholds(name string, thresholds *DurationThresholds, actual *LatencyMetrics) {
	var d DurationMetrics
	if actual != nil {
		d = actual.Duration
	}
	checks := []struct {
		name      string
		threshold time.Duration
		actual    time.Duration
	}{
		{name + ".avg", thresholds.Avg, d.Avg},
		{name + ".p50", thresholds.P50, d.P50},
		{name + ".p90", thresholds.P90, d.P90},
		{name + ".p95", thresholds.P95, d.P95},
		{name + ".p99", thresholds.P99, d.P99},
	}

	for _, check := range checks {
		if check.threshold == 0 {
			continue
		}
		r.add(ThresholdResult{
			Name:      check.name,
			Passed:    check.actual < check.threshold,
			Threshold: "< " + FormatDuration(check.threshold),
			Actual:    FormatDuration(check.actual),
		})
	}
}

func (r *ThresholdResults) checkFailureRate(name string, thresholds *FailureThresholds, actual *LatencyMetrics) {
	thresholdRate, err := parsePercentage(thresholds.Rate)
	if err != nil {
		return
	}

	actualRate := actual.FailureRate()
	r.add(ThresholdResult{
		Name:      name,
		Passed:    actualRate < thresholdRate,
		Threshold: "< " + thresholds.Rate,
		Actual:    fmt.Sprintf("%.2f%%", actualRate),
	})
}

func parsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("invalid percentage format: %s", s)
	}
	s = strings.TrimSuffix(s, "%")
	return strconv.ParseFloat(s, 64)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
