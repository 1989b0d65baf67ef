package frame

import (
	"sync/atomic"
	"time"
)

// IdlePolicy configures when a connection counts as idle. A zero duration
// disables that direction; when both are zero the connection never idles out.
type IdlePolicy struct {
	ReadIdle  time.Duration
	WriteIdle time.Duration
}

// Enabled reports whether the policy can ever expire a connection.
func (p IdlePolicy) Enabled() bool {
	return p.ReadIdle > 0 || p.WriteIdle > 0
}

// CheckInterval is how often a watchdog should poll Expired.
func (p IdlePolicy) CheckInterval() time.Duration {
	shortest := p.ReadIdle
	if shortest <= 0 || (p.WriteIdle > 0 && p.WriteIdle < shortest) {
		shortest = p.WriteIdle
	}
	interval := shortest / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

// Watchdog records read and write activity on one connection.
// Safe for concurrent use by the reader, writer and watchdog goroutines.
type Watchdog struct {
	policy    IdlePolicy
	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// NewWatchdog starts both activity clocks at now.
func NewWatchdog(policy IdlePolicy, now time.Time) *Watchdog {
	w := &Watchdog{policy: policy}
	w.lastRead.Store(now.UnixNano())
	w.lastWrite.Store(now.UnixNano())
	return w
}

// Policy returns the configured policy.
func (w *Watchdog) Policy() IdlePolicy {
	return w.policy
}

// TouchRead records inbound activity.
func (w *Watchdog) TouchRead(now time.Time) {
	w.lastRead.Store(now.UnixNano())
}

// TouchWrite records outbound activity.
func (w *Watchdog) TouchWrite(now time.Time) {
	w.lastWrite.Store(now.UnixNano())
}

// Expired reports whether neither read nor write activity happened within
// the configured intervals.
func (w *Watchdog) Expired(now time.Time) bool {
	if !w.policy.Enabled() {
		return false
	}
	return w.idle(now, w.lastRead.Load(), w.policy.ReadIdle) &&
		w.idle(now, w.lastWrite.Load(), w.policy.WriteIdle)
}

func (w *Watchdog) idle(now time.Time, last int64, limit time.Duration) bool {
	if limit <= 0 {
		return true
	}
	return now.Sub(time.Unix(0, last)) >= limit
}
