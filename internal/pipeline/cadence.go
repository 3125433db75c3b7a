package pipeline

import (
	"time"
)

/* ───────────────────────── cadence (checkpoint helper) ───────────────── */

// cadence decides *when* a split should take a checkpoint: after
// maxPending staged records, or once every interval while anything is
// staged. It is owned by one split goroutine.
type cadence struct {
	everyNS    int64
	maxPending int

	staged   int
	lastNS   int64
	nowNanos func() int64
}

func newCadence(every time.Duration, maxPending int) *cadence {
	c := &cadence{
		everyNS:    every.Nanoseconds(),
		maxPending: maxPending,
		nowNanos:   func() int64 { return time.Now().UnixNano() },
	}
	c.lastNS = c.nowNanos()
	return c
}

// track records one staged record.
func (c *cadence) track() { c.staged++ }

// due reports whether a checkpoint should be taken now. It resets the
// cadence when it returns true.
func (c *cadence) due() bool {
	if c.staged == 0 {
		return false
	}
	now := c.nowNanos()
	byCount := c.maxPending > 0 && c.staged >= c.maxPending
	byTime := c.everyNS > 0 && c.lastNS+c.everyNS <= now
	if !byCount && !byTime {
		return false
	}
	c.staged, c.lastNS = 0, now
	return true
}

func (c *cadence) pending() int { return c.staged }
