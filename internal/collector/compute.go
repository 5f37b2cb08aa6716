package collector

import (
	"slices"
	"time"

	"ensemble/internal/core"
)

// timed lists the event kinds whose durations are summarized.
var timed = []string{"tick", "dispatch", "flush"}

// ComputeMetrics computes metrics from events. Pure function, no side effects.
func ComputeMetrics(events []core.Event, runDuration time.Duration) *Metrics {
	m := &Metrics{
		Latency:     make(map[string]*LatencyMetrics),
		RunDuration: runDuration,
	}

	if len(events) == 0 {
		return m
	}

	durations := make(map[string][]time.Duration)
	var returns float64
	var episodeSteps int

	for _, e := range events {
		switch e.Kind {
		case "tick":
			m.Ticks++
			if !e.Success {
				m.FailedTicks++
			}
		case "dispatch":
			m.Steps += e.Steps
		case "episode":
			m.Episodes++
			returns += e.Return
			episodeSteps += e.Steps
		case "fault":
			m.Faults++
		case "timeout":
			m.Timeouts++
		case "crash":
			m.Crashes++
		case "respawn":
			m.Respawns++
		case "lost":
			m.Lost++
		}

		if !slices.Contains(timed, e.Kind) {
			continue
		}
		lm, ok := m.Latency[e.Kind]
		if !ok {
			lm = &LatencyMetrics{}
			m.Latency[e.Kind] = lm
		}
		lm.Count++
		if !e.Success {
			lm.Failed++
		}
		durations[e.Kind] = append(durations[e.Kind], e.Duration)
	}

	if m.RunDuration > 0 {
		m.StepsPerSec = float64(m.Steps) / m.RunDuration.Seconds()
	}
	if m.Episodes > 0 {
		m.AvgReturn = returns / float64(m.Episodes)
		m.AvgEpisodeLength = float64(episodeSteps) / float64(m.Episodes)
	}

	for kind, d := range durations {
		m.Latency[kind].Duration = ComputeDurationMetrics(d)
	}

	return m
}
