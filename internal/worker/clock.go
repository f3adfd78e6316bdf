package worker

import "time"

// Clock supplies monotonic milliseconds. Ticket age and widening must never
// be computed from wall-clock time (spec.md §9, Design Notes): a system
// clock step must not let a ticket's tolerated rank gap jump or shrink.
type Clock interface {
	NowMS() int64
}

// processClock measures elapsed time since it was created using
// time.Since, which reads the runtime's monotonic clock reading attached to
// the time.Time values — never the wall clock — exactly as Go's own
// documentation recommends for duration measurement.
type processClock struct {
	start time.Time
}

// NewProcessClock returns a Clock anchored to the current instant.
func NewProcessClock() Clock {
	return &processClock{start: time.Now()}
}

func (c *processClock) NowMS() int64 {
	return time.Since(c.start).Milliseconds()
}
