// Package ratelimit paces packet transmission to a packets-per-second target.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use. A nil *Throttle never blocks.
type Throttle struct {
	interval   time.Duration
	sent       uint64
	start      time.Time
	checkEvery uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and nil is returned.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(pps),
		start:    time.Now(),

		// Look at the clock roughly every 10ms worth of packets,
		// no less than every 32 and no more than every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// Wait blocks until n more packets are allowed or ctx is done.
// Falling behind schedule is never compensated by a burst.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}
	before := l.sent / l.checkEvery
	l.sent += n
	if l.sent/l.checkEvery == before {
		return nil
	}

	due := l.start.Add(time.Duration(l.sent) * l.interval)
	now := time.Now()
	if !now.Before(due) {
		// Behind schedule: rebase so the deficit is not paid back later.
		l.start = now.Add(-time.Duration(l.sent) * l.interval)
		return nil
	}
	t := time.NewTimer(due.Sub(now))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of packets accounted so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
