package indicators

import (
	"sync"
	"time"

	"multi-asset-trading-bot/internal/broker"
)

// SymbolIndicators bundles every tracker the engine keeps per symbol.
type SymbolIndicators struct {
	RSI        *RSITracker
	EMAs       *EMAPair
	MACD       *MACDTracker
	ATR        *ATRTracker
	Momentum   *MomentumTracker
	Volume     *VolumeTracker
	VWAP       *VWAPTracker
	Volatility *VolatilityTracker
}

func newSymbolIndicators() *SymbolIndicators {
	return &SymbolIndicators{
		RSI:        NewRSITracker(14),
		EMAs:       NewEMAPair(),
		MACD:       NewMACDTracker(),
		ATR:        NewATRTracker(14),
		Momentum:   NewMomentumTracker(10),
		Volume:     NewVolumeTracker(20),
		VWAP:       NewVWAPTracker(),
		Volatility: &VolatilityTracker{},
	}
}

// UpdateBar feeds one candle into every price-driven tracker.
func (s *SymbolIndicators) UpdateBar(bar broker.Bar) {
	s.RSI.Update(bar.Close, bar.Timestamp)
	s.EMAs.Update(bar.Close)
	s.MACD.Update(bar.Close)
	s.ATR.Update(bar.High, bar.Low)
	s.Momentum.Update(bar.Close)
	s.Volume.Update(bar.Volume)
	s.VWAP.Update(bar.Close, bar.Volume)
}

// UpdateTicker feeds one 24h ticker snapshot into the trackers that consume
// rolling statistics.
func (s *SymbolIndicators) UpdateTicker(t broker.Ticker, now time.Time) {
	s.RSI.Update(t.Last, now)
	s.EMAs.Update(t.Last)
	s.MACD.Update(t.Last)
	s.Momentum.Update(t.Last)
	s.Volume.Update(t.Vol24h)
	s.VWAP.SetExchangeVWAP(t.VWAP24h)
	s.Volatility.Update(t.High24h, t.Low24h, t.Last, now)
}

// Registry holds one SymbolIndicators per symbol. Safe for concurrent use;
// per-symbol updates remain single-writer by loop discipline.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolIndicators
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{symbols: make(map[string]*SymbolIndicators)}
}

// For returns the tracker set for a symbol, creating it on first use.
func (r *Registry) For(symbol string) *SymbolIndicators {
	r.mu.RLock()
	s, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.symbols[symbol]; ok {
		return s
	}
	s = newSymbolIndicators()
	r.symbols[symbol] = s
	return s
}

// Seed replays historical bars through a symbol's trackers.
func (r *Registry) Seed(symbol string, bars []broker.Bar) {
	s := r.For(symbol)
	for _, bar := range bars {
		s.UpdateBar(bar)
	}
}
