// Package heartbeat decides liveness from last-heartbeat timestamps.
//
// A runner is live while now - lastHeartbeat <= ttl. The daemon's own
// beacon uses a looser rule: it stays healthy for three beat intervals so a
// single slow sweep does not flap the dashboard banner.
package heartbeat

import (
	"sync"
	"time"

	"stratavore/internal/clock"
)

const beaconMissesAllowed = 3

type Monitor struct {
	clock      clock.Clock
	defaultTTL time.Duration
}

func NewMonitor(clk clock.Clock, defaultTTL time.Duration) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{clock: clk, defaultTTL: defaultTTL}
}

// TTL returns ttl, or the monitor default when ttl is not positive.
func (m *Monitor) TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return ttl
}

// Staleness is how long ago last was. A zero last is treated as never seen
// and reports zero so unknown timestamps never trigger expiry.
func (m *Monitor) Staleness(last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	staleness := m.clock.Now().Sub(last)
	if staleness < 0 {
		return 0
	}
	return staleness
}

func (m *Monitor) Expired(last time.Time, ttl time.Duration) bool {
	ttl = m.TTL(ttl)
	if ttl <= 0 || last.IsZero() {
		return false
	}
	return m.Staleness(last) > ttl
}

// Advance returns the later of current and reported. Heartbeat timestamps
// only move forward.
func Advance(current, reported time.Time) time.Time {
	if reported.After(current) {
		return reported
	}
	return current
}

// Beacon is the daemon's self heartbeat.
type Beacon struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.RWMutex
	last time.Time
}

func NewBeacon(clk clock.Clock, interval time.Duration) *Beacon {
	if clk == nil {
		clk = clock.Real()
	}
	return &Beacon{clock: clk, interval: interval, last: clk.Now()}
}

func (b *Beacon) Beat() {
	now := b.clock.Now()
	b.mu.Lock()
	b.last = Advance(b.last, now)
	b.mu.Unlock()
}

func (b *Beacon) Last() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

func (b *Beacon) Healthy() bool {
	if b.interval <= 0 {
		return true
	}
	return b.clock.Now().Sub(b.Last()) <= beaconMissesAllowed*b.interval
}
