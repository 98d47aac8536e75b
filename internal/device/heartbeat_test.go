package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"classtrack/internal/clock"
)

func TestHeartbeatCell(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	cell := NewHeartbeatCell(clk, 2*time.Minute)

	_, fresh, age := cell.Get()
	assert.Equal(t, FreshnessNone, fresh)
	assert.Zero(t, age)

	hb := Heartbeat{MACAddress: "aa:bb:cc:dd:ee:ff", Battery: 87, QueueCount: 3}
	cell.Set(hb)

	got, fresh, age := cell.Get()
	assert.Equal(t, hb, got)
	assert.Equal(t, FreshnessOnline, fresh)
	assert.Zero(t, age)

	clk.Advance(90 * time.Second)
	_, fresh, age = cell.Get()
	assert.Equal(t, FreshnessOnline, fresh)
	assert.Equal(t, 90*time.Second, age)

	// Past the TTL the device is offline but the stale payload is still
	// returned for display.
	clk.Advance(time.Minute)
	got, fresh, _ = cell.Get()
	assert.Equal(t, FreshnessOffline, fresh)
	assert.Equal(t, hb, got)

	// A new heartbeat restores freshness.
	cell.Set(Heartbeat{MACAddress: "aa:bb:cc:dd:ee:ff", Battery: 85})
	_, fresh, _ = cell.Get()
	assert.Equal(t, FreshnessOnline, fresh)
}
