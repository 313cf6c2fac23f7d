package state

import (
	"sync"
	"time"
)

// DefaultHeartbeatMaxAge is the staleness bound past which a component is
// considered unhealthy.
const DefaultHeartbeatMaxAge = 120 * time.Second

// HeartbeatTable records the last beat of every major loop. Each loop calls
// Beat(name) once per cycle; the monitor and the status endpoint read ages.
type HeartbeatTable struct {
	mu    sync.RWMutex
	beats map[string]time.Time
}

// NewHeartbeatTable creates an empty table.
func NewHeartbeatTable() *HeartbeatTable {
	return &HeartbeatTable{beats: make(map[string]time.Time)}
}

// Beat records a heartbeat for the named component.
func (h *HeartbeatTable) Beat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[name] = time.Now()
}

// Ages returns the per-component heartbeat age.
func (h *HeartbeatTable) Ages() map[string]time.Duration {
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]time.Duration, len(h.beats))
	for name, ts := range h.beats {
		out[name] = now.Sub(ts)
	}
	return out
}

// Healthy reports whether every registered component has beaten within maxAge.
// An empty table is healthy.
func (h *HeartbeatTable) Healthy(maxAge time.Duration) bool {
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ts := range h.beats {
		if now.Sub(ts) >= maxAge {
			return false
		}
	}
	return true
}

// Stale returns the names of components older than maxAge.
func (h *HeartbeatTable) Stale(maxAge time.Duration) []string {
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	var stale []string
	for name, ts := range h.beats {
		if now.Sub(ts) >= maxAge {
			stale = append(stale, name)
		}
	}
	return stale
}
