package engine

import "time"

// FlushScheduler decides when the periodic gap report is due. It runs on
// wall-clock time, independent of capture timestamps.
type FlushScheduler struct {
	interval time.Duration
	clock    func() time.Time
	last     time.Time
}

// NewFlushScheduler creates a scheduler whose first report is due one
// interval after creation. A nil clock uses time.Now.
func NewFlushScheduler(interval time.Duration, clock func() time.Time) *FlushScheduler {
	if clock == nil {
		clock = time.Now
	}
	return &FlushScheduler{
		interval: interval,
		clock:    clock,
		last:     clock(),
	}
}

// Due reports whether more than one interval has passed since the last flush.
func (f *FlushScheduler) Due() bool {
	return f.clock().After(f.last.Add(f.interval))
}

// Mark records a flush at the current time.
func (f *FlushScheduler) Mark() {
	f.last = f.clock()
}
