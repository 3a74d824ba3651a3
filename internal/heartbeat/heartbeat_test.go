package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stratavore/internal/clock"
)

func TestMonitorExpired(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	monitor := NewMonitor(clk, 30*time.Second)

	last := start
	clk.Advance(30 * time.Second)
	assert.False(t, monitor.Expired(last, 0), "exactly at ttl is still live")

	clk.Advance(time.Second)
	assert.True(t, monitor.Expired(last, 0))
	assert.False(t, monitor.Expired(last, time.Minute), "per-runner ttl overrides default")
	assert.False(t, monitor.Expired(time.Time{}, time.Second), "never-seen timestamps do not expire")
}

func TestMonitorStalenessClampsFutureTimestamps(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	monitor := NewMonitor(clock.Fake(start), time.Second)
	assert.Equal(t, time.Duration(0), monitor.Staleness(start.Add(time.Hour)))
}

func TestAdvanceNeverRegresses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now, Advance(now, now.Add(-time.Minute)))
	assert.Equal(t, now.Add(time.Minute), Advance(now, now.Add(time.Minute)))
}

func TestBeaconHealth(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	beacon := NewBeacon(clk, 10*time.Second)
	assert.True(t, beacon.Healthy())

	clk.Advance(31 * time.Second)
	assert.False(t, beacon.Healthy())

	beacon.Beat()
	assert.True(t, beacon.Healthy())
	assert.Equal(t, start.Add(31*time.Second), beacon.Last())
}
