// Package phase tracks which segment of a disruption scenario is currently
// in effect. A single Clock is the authority; load workers read it without
// coordinating with each other.
package phase

import (
	"sync/atomic"
	"time"
)

// Phase labels a segment of a scenario run relative to the disruptive event.
type Phase int32

const (
	Before Phase = iota
	During
	After
)

func (p Phase) String() string {
	switch p {
	case Before:
		return "before"
	case During:
		return "during"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

// Clock reports the current phase. Current must be safe for concurrent use
// and must never regress: once During has been observed, Before is never
// returned again for the remainder of the run.
type Clock interface {
	Current() Phase
}

// SignalClock advances only when told to, typically by the scenario runner
// right after it triggers a failover and again once it declares recovery.
type SignalClock struct {
	current atomic.Int32
}

// NewSignalClock returns a clock positioned at Before.
func NewSignalClock() *SignalClock {
	return &SignalClock{}
}

// Current returns the most recently completed transition.
func (c *SignalClock) Current() Phase {
	return Phase(c.current.Load())
}

// Advance moves the clock forward one phase. Calls past After are no-ops.
func (c *SignalClock) Advance() Phase {
	for {
		cur := c.current.Load()
		if Phase(cur) == After {
			return After
		}
		if c.current.CompareAndSwap(cur, cur+1) {
			return Phase(cur + 1)
		}
	}
}

// TimeClock classifies phases by wall-clock windows relative to a start
// instant: Before until the failover offset, During for the length of the
// recovery window, After from then on.
type TimeClock struct {
	start          time.Time
	failoverAfter  time.Duration
	recoveryWindow time.Duration
	now            func() time.Time
}

// NewTimeClock returns a clock whose windows are measured from start.
func NewTimeClock(start time.Time, failoverAfter, recoveryWindow time.Duration) *TimeClock {
	return &TimeClock{
		start:          start,
		failoverAfter:  failoverAfter,
		recoveryWindow: recoveryWindow,
		now:            time.Now,
	}
}

// Current derives the phase from elapsed time. Monotonicity follows from the
// monotonic clock reading inside time.Since.
func (c *TimeClock) Current() Phase {
	elapsed := c.now().Sub(c.start)
	switch {
	case elapsed < c.failoverAfter:
		return Before
	case elapsed < c.failoverAfter+c.recoveryWindow:
		return During
	default:
		return After
	}
}
