package book

import (
	"sort"
	"sync"
	"time"
)

// Position is one tracked holding with the per-position exit state the
// evaluator ratchets over time.
type Position struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
	EntryTime  time.Time
	Strategy   string
	Profile    string

	StopLoss   float64
	TakeProfit float64

	// StopUnreliable marks positions whose entry price had to be guessed
	// (no trade history match); stop-loss decisions on them are advisory.
	StopUnreliable bool

	// Trailing take-profit state.
	TrailingActive bool
	HighWater      float64

	// Partial exit ladder state: index of the next level to fire and the
	// cumulative fraction already sold.
	PartialLevel int
	PartialSold  float64
}

// PnLPct returns the unrealized move from entry at the given price.
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// PnL returns the unrealized dollar P&L at the given price.
func (p Position) PnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Qty
}

// Age returns how long the position has been held.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Book tracks open positions for one owning loop. A single writer (the owning
// ProfileRunner or the CryptoLoop) mutates it; telemetry readers take
// snapshots.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// New creates an empty book.
func New() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Get returns a copy of the position for a symbol.
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Set inserts or replaces a position.
func (b *Book) Set(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[p.Symbol] = &cp
}

// Remove drops a position, returning the removed copy.
func (b *Book) Remove(symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	delete(b.positions, symbol)
	return *p, true
}

// Update applies fn to the position under the lock. Returns false when the
// symbol is not tracked. Used for atomic partial-exit decrements and stop
// ratchets.
func (b *Book) Update(symbol string, fn func(*Position)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// ReduceQty decrements a position's quantity after a partial sell, removing it
// when the remainder is dust.
func (b *Book) ReduceQty(symbol string, soldQty, dustThreshold float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return
	}
	p.Qty -= soldQty
	if p.Qty <= dustThreshold {
		delete(b.positions, symbol)
	}
}

// Len returns the number of open positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Has reports whether the symbol is tracked.
func (b *Book) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// Snapshot returns a stable copy of all positions, sorted by symbol.
func (b *Book) Snapshot() []Position {
	b.mu.RLock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the tracked symbols, sorted.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		out = append(out, sym)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// TotalValue sums qty * price over all positions using the given price lookup.
// Symbols with no price are skipped.
func (b *Book) TotalValue(price func(symbol string) float64) float64 {
	var total float64
	for _, p := range b.Snapshot() {
		if px := price(p.Symbol); px > 0 {
			total += p.Qty * px
		}
	}
	return total
}
