package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FormatText writes metrics in human-readable format.
func FormatText(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	if m.Ticks == 0 {
		fmt.Fprintln(w, "No ticks recorded")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Ensemble - Rollout Results")
	fmt.Fprintln(w, "==========================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:       %v\n", m.RunDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Ticks:          %s (%s failed)\n", formatNumber(m.Ticks), formatNumber(m.FailedTicks))
	fmt.Fprintf(w, "Steps:          %s\n", formatNumber(m.Steps))
	fmt.Fprintf(w, "Steps/sec:      %.1f\n", m.StepsPerSec)
	fmt.Fprintf(w, "Episodes:       %s\n", formatNumber(m.Episodes))
	if m.Episodes > 0 {
		fmt.Fprintf(w, "Avg Return:     %.2f\n", m.AvgReturn)
		fmt.Fprintf(w, "Avg Length:     %.1f\n", m.AvgEpisodeLength)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Workers:")
	fmt.Fprintf(w, "  Faults:   %d\n", m.Faults)
	fmt.Fprintf(w, "  Timeouts: %d\n", m.Timeouts)
	fmt.Fprintf(w, "  Crashes:  %d\n", m.Crashes)
	fmt.Fprintf(w, "  Respawns: %d\n", m.Respawns)
	fmt.Fprintf(w, "  Lost:     %d\n", m.Lost)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Latency:")
	for _, kind := range timed {
		lm, ok := m.Latency[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-10s %s   avg=%s  p50=%s  p95=%s  p99=%s  max=%s\n",
			kind, formatNumber(lm.Count),
			FormatDuration(lm.Duration.Avg),
			FormatDuration(lm.Duration.P50),
			FormatDuration(lm.Duration.P95),
			FormatDuration(lm.Duration.P99),
			FormatDuration(lm.Duration.Max))
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s %s (actual: %s)\n",
				symbol, result.Name, result.Threshold, result.Actual)
		}
	}
}

// FormatJSON writes metrics in JSON format.
func FormatJSON(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	output := struct {
		Duration         string                        `json:"duration"`
		Ticks            int                           `json:"ticks"`
		FailedTicks      int                           `json:"failedTicks"`
		Steps            int                           `json:"steps"`
		StepsPerSec      float64                       `json:"stepsPerSec"`
		Episodes         int                           `json:"episodes"`
		AvgReturn        float64                       `json:"avgReturn"`
		AvgEpisodeLength float64                       `json:"avgEpisodeLength"`
		Faults           int                           `json:"faults"`
		Timeouts         int                           `json:"timeouts"`
		Crashes          int                           `json:"crashes"`
		Respawns         int                           `json:"respawns"`
		Lost             int                           `json:"lost"`
		Latency          map[string]jsonLatencyMetrics `json:"latency"`
		Thresholds       *ThresholdResults             `json:"thresholds,omitempty"`
	}{
		Duration:         m.RunDuration.Round(time.Millisecond).String(),
		Ticks:            m.Ticks,
		FailedTicks:      m.FailedTicks,
		Steps:            m.Steps,
		StepsPerSec:      m.StepsPerSec,
		Episodes:         m.Episodes,
		AvgReturn:        m.AvgReturn,
		AvgEpisodeLength: m.AvgEpisodeLength,
		Faults:           m.Faults,
		Timeouts:         m.Timeouts,
		Crashes:          m.Crashes,
		Respawns:         m.Respawns,
		Lost:             m.Lost,
		Latency:          make(map[string]jsonLatencyMetrics),
		Thresholds:       thresholds,
	}

	for kind, lm := range m.Latency {
		output.Latency[kind] = jsonLatencyMetrics{
			Count:     lm.Count,
			Failed:    lm.Failed,
			Durations: toJSONDurationMetrics(lm.Duration),
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonDurationMetrics struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P90 string `json:"p90"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

type jsonLatencyMetrics struct {
	Count     int                 `json:"count"`
	Failed    int                 `json:"failed"`
	Durations jsonDurationMetrics `json:"durations"`
}

func toJSONDurationMetrics(d DurationMetrics) jsonDurationMetrics {
	return jsonDurationMetrics{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P90: FormatDuration(d.P90),
		P95: FormatDuration(d.P95),
		P99: FormatDuration(d.P99),
	}
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, n/1000%1000, n%1000)
}
