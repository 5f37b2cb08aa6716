// Package collector aggregates pool events and computes run metrics.
package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"ensemble/internal/core"
)

// Collector aggregates events from the pool, synchronizer and aggregator.
type Collector struct {
	events    []core.Event
	ch        chan core.Event
	done      chan struct{}
	mu        sync.Mutex
	dropped   atomic.Int64
	startTime time.Time
	endTime   time.Time
}

// NewCollector creates a new Collector and starts its collection goroutine.
func NewCollector() *Collector {
	c := &Collector{
		events:    make([]core.Event, 0),
		ch:        make(chan core.Event, 4096),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for event := range c.ch {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	}
	close(c.done)
}

// Report sends an event to the collector. Thread-safe. Events are dropped
// rather than blocking the tick loop when the buffer is full.
func (c *Collector) Report(event core.Event) {
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

// Close signals the collector to stop accepting events and waits for the
// buffered ones.
func (c *Collector) Close() {
	c.mu.Lock()
	c.endTime = time.Now()
	c.mu.Unlock()
	close(c.ch)
	<-c.done
}

// DroppedEvents returns the number of events lost to a full buffer.
func (c *Collector) DroppedEvents() int64 {
	return c.dropped.Load()
}

// Events returns a copy of collected events.
func (c *Collector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]core.Event, len(c.events))
	copy(result, c.events)
	return result
}

// Compute returns metrics over everything collected so far.
func (c *Collector) Compute() *Metrics {
	return ComputeMetrics(c.Events(), c.Duration())
}

// Duration returns the run duration.
// If the collector is closed, returns the duration from start to end.
// If still running, returns the duration from start to now.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	end := c.endTime
	c.mu.Unlock()
	if !end.IsZero() {
		return end.Sub(c.startTime)
	}
	return time.Since(c.startTime)
}
