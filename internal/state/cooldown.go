package state

import (
	"sync"
	"time"
)

// Cooldowns is a per-symbol earliest-retry table. Writes happen on sell or
// stop-loss, reads on every entry attempt, so it is safe for concurrent use.
//
// The crypto loop shares one table for post-sell and post-stop-loss timers
// while profile runners keep them separate; callers construct as many tables
// as their loop needs.
type Cooldowns struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

// NewCooldowns creates an empty table.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: make(map[string]time.Time)}
}

// Set blocks a symbol until now + d. A longer existing block is kept.
func (c *Cooldowns) Set(symbol string, d time.Duration) {
	c.SetUntil(symbol, time.Now().Add(d))
}

// SetUntil blocks a symbol until the given time. A longer existing block is
// kept.
func (c *Cooldowns) SetUntil(symbol string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.until[symbol]; ok && existing.After(until) {
		return
	}
	c.until[symbol] = until
}

// Active reports whether the symbol is still blocked.
func (c *Cooldowns) Active(symbol string) bool {
	return c.Remaining(symbol) > 0
}

// Remaining returns how long the symbol stays blocked, 0 if free.
func (c *Cooldowns) Remaining(symbol string) time.Duration {
	c.mu.RLock()
	until, ok := c.until[symbol]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	d := time.Until(until)
	if d <= 0 {
		return 0
	}
	return d
}

// Until returns the raw deadline for a symbol and whether one exists.
func (c *Cooldowns) Until(symbol string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.until[symbol]
	return t, ok
}

// Clear removes a symbol's block.
func (c *Cooldowns) Clear(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, symbol)
}

// Sweep drops expired entries to keep the map small on long runs.
func (c *Cooldowns) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, until := range c.until {
		if until.Before(now) {
			delete(c.until, sym)
		}
	}
}
