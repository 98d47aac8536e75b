// Package device tracks the scanner device's last reported status.
package device

import (
	"sync"
	"time"

	"classtrack/internal/clock"
)

// Heartbeat is the status payload the scanner reports.
type Heartbeat struct {
	MACAddress   string `json:"mac_address"`
	WifiStrength int    `json:"wifi_strength"`
	Battery      int    `json:"battery"`
	QueueCount   int    `json:"queue_count"`
	SyncCount    int    `json:"sync_count"`
}

// Freshness classifies the last heartbeat.
type Freshness string

const (
	FreshnessNone    Freshness = "none"
	FreshnessOnline  Freshness = "online"
	FreshnessOffline Freshness = "offline"
)

// HeartbeatCell is a TTL-backed cell holding the most recent heartbeat. A
// heartbeat older than the TTL reports the device offline; the stale payload
// is still returned for "last known" display.
type HeartbeatCell struct {
	clk clock.Clock
	ttl time.Duration

	mu   sync.Mutex
	last Heartbeat
	at   time.Time
	set  bool
}

// NewHeartbeatCell creates a cell with the given freshness TTL.
func NewHeartbeatCell(clk clock.Clock, ttl time.Duration) *HeartbeatCell {
	return &HeartbeatCell{clk: clk, ttl: ttl}
}

// Set records a heartbeat, stamping it with the server clock.
func (c *HeartbeatCell) Set(hb Heartbeat) {
	c.mu.Lock()
	c.last = hb
	c.at = c.clk.Now()
	c.set = true
	c.mu.Unlock()
}

// Get returns the last heartbeat, its freshness, and how long ago it was
// seen.
func (c *HeartbeatCell) Get() (Heartbeat, Freshness, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return Heartbeat{}, FreshnessNone, 0
	}
	age := c.clk.Now().Sub(c.at)
	if age > c.ttl {
		return c.last, FreshnessOffline, age
	}
	return c.last, FreshnessOnline, age
}
