package stats

import (
	"sync"
	"time"

	"itch-gap/internal/metrics"
)

// Totals is a point-in-time copy of the run-wide counters.
type Totals struct {
	StartTime time.Time
	EndTime   time.Time

	PacketsRead      uint64 // capture records read
	PacketsProcessed uint64 // MoldUDP64 packets tracked
	PacketsSkipped   uint64 // records that were not MoldUDP64
	PacketsMalformed uint64 // records cut short inside a header

	Sessions         uint64
	TotalGapMessages uint64 // missing messages reported in gap lines
	TotalOOO         uint64 // out-of-order arrivals
	Flushes          uint64

	Outcomes map[string]uint64
	Events   map[string]uint64
}

// Duration returns the elapsed time.
func (t Totals) Duration() time.Duration {
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// Collector aggregates run-wide statistics and mirrors them into Prometheus.
type Collector struct {
	totals Totals
	mu     sync.Mutex
}

// NewCollector creates a new statistics collector.
func NewCollector() *Collector {
	return &Collector{
		totals: Totals{
			StartTime: time.Now(),
			Outcomes:  make(map[string]uint64),
			Events:    make(map[string]uint64),
		},
	}
}

// RecordRead records a capture record being read.
func (c *Collector) RecordRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.PacketsRead++
}

// RecordSkipped records a record that did not carry MoldUDP64.
func (c *Collector) RecordSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.PacketsSkipped++
	metrics.PacketsTotal.WithLabelValues("skipped").Inc()
}

// RecordMalformed records a record with a truncated header.
func (c *Collector) RecordMalformed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.PacketsMalformed++
	metrics.PacketsTotal.WithLabelValues("malformed").Inc()
}

// RecordProcessed records a tracked MoldUDP64 packet and its outcome.
// ooo marks out-of-order arrivals.
func (c *Collector) RecordProcessed(outcome string, ooo bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.PacketsProcessed++
	c.totals.Outcomes[outcome]++
	if ooo {
		c.totals.TotalOOO++
	}
	metrics.PacketsTotal.WithLabelValues("processed").Inc()
	metrics.SequenceOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordSession records a newly seen session.
func (c *Collector) RecordSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Sessions++
	metrics.ActiveSessions.Set(float64(c.totals.Sessions))
}

// RecordEvent records an emitted system event.
func (c *Collector) RecordEvent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Events[name]++
	metrics.EventsTotal.WithLabelValues(name).Inc()
}

// RecordGapReported adds the missing messages of one reported gap range.
func (c *Collector) RecordGapReported(missing uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.TotalGapMessages += missing
	metrics.GapMessagesTotal.Add(float64(missing))
}

// RecordFlush records a completed flush.
func (c *Collector) RecordFlush(duration time.Duration, openRanges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Flushes++
	metrics.FlushDurationSeconds.Observe(duration.Seconds())
	metrics.OpenGapRanges.Set(float64(openRanges))
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.EndTime = time.Now()
}

// Snapshot returns a copy of the current statistics (thread-safe).
func (c *Collector) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.totals
	snap.Outcomes = make(map[string]uint64, len(c.totals.Outcomes))
	for k, v := range c.totals.Outcomes {
		snap.Outcomes[k] = v
	}
	snap.Events = make(map[string]uint64, len(c.totals.Events))
	for k, v := range c.totals.Events {
		snap.Events[k] = v
	}
	return snap
}
