// Package progress prints a live one-line status of a rollout run.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ensemble/internal/collector"
)

type Progress struct {
	startTime time.Time
	collector *collector.Collector
	interval  time.Duration
	ticker    *time.Ticker
	stopCh    chan struct{}
	done      chan struct{}
	stopped   atomic.Bool
	quiet     bool
	output    io.Writer
	mu        sync.Mutex
}

func NewProgress(c *collector.Collector, quiet bool) *Progress {
	return &Progress{
		collector: c,
		quiet:     quiet,
		interval:  time.Second,
		output:    os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

func (p *Progress) Start() {
	if p.quiet {
		return
	}
	p.startTime = time.Now()
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.ticker = time.NewTicker(p.interval)
	go p.run()
}

func (p *Progress) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	line := statusLine(p.collector.Compute(), time.Since(p.startTime))
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K%s", line)
	p.mu.Unlock()
}

// statusLine renders e.g. "[00:30] Ticks: 1523 | Steps/s: 8120.4 | Episodes: 12 | Faults: 0".
func statusLine(m *collector.Metrics, elapsed time.Duration) string {
	elapsed = elapsed.Round(time.Second)
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60
	line := fmt.Sprintf("[%02d:%02d] Ticks: %d | Steps/s: %.1f | Episodes: %d | Faults: %d",
		mins, secs, m.Ticks, m.StepsPerSec, m.Episodes, m.Faults)
	if m.Lost > 0 {
		line += fmt.Sprintf(" | Lost: %d", m.Lost)
	}
	return line
}

// Stop waits for an in-flight status line before clearing it, so nothing
// reads the collector once Stop returns.
func (p *Progress) Stop() {
	if p.quiet || p.stopped.Swap(true) {
		return
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stopCh != nil {
		close(p.stopCh)
		<-p.done
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K")
	p.mu.Unlock()
}

func (p *Progress) Print(message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K%s\n", message)
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...any) {
	p.Print(fmt.Sprintf(format, args...))
}
