package state

import (
	"sync"
)

// SymbolPerformance is a snapshot of realized trading results for one symbol.
type SymbolPerformance struct {
	Trades  int
	Wins    int
	TotalPL float64
}

// WinRate returns the fraction of winning trades, 0.5 with no history so the
// performance weighting stays neutral.
func (p SymbolPerformance) WinRate() float64 {
	if p.Trades == 0 {
		return 0.5
	}
	return float64(p.Wins) / float64(p.Trades)
}

// AvgPL returns the mean realized P&L per trade.
func (p SymbolPerformance) AvgPL() float64 {
	if p.Trades == 0 {
		return 0
	}
	return p.TotalPL / float64(p.Trades)
}

// PerformanceStats tracks realized per-symbol results. Updated on every close,
// read by the grid scorer and the adaptive sizer.
type PerformanceStats struct {
	mu      sync.RWMutex
	symbols map[string]SymbolPerformance
}

// NewPerformanceStats creates an empty stats table.
func NewPerformanceStats() *PerformanceStats {
	return &PerformanceStats{symbols: make(map[string]SymbolPerformance)}
}

// RecordTrade folds one closed trade into the symbol's stats.
func (s *PerformanceStats) RecordTrade(symbol string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.symbols[symbol]
	p.Trades++
	if pnl > 0 {
		p.Wins++
	}
	p.TotalPL += pnl
	s.symbols[symbol] = p
}

// For returns the stats snapshot for a symbol (zero value if none).
func (s *PerformanceStats) For(symbol string) SymbolPerformance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols[symbol]
}

// Totals aggregates across all symbols.
func (s *PerformanceStats) Totals() SymbolPerformance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total SymbolPerformance
	for _, p := range s.symbols {
		total.Trades += p.Trades
		total.Wins += p.Wins
		total.TotalPL += p.TotalPL
	}
	return total
}

// Weight returns the grid performance multiplier for a symbol:
// 1 + (win_rate - 0.5) * 0.3 + clamp(avg_pnl/100, -0.1, 0.1).
// Symbols with fewer than 3 trades weigh 1.0.
func (s *PerformanceStats) Weight(symbol string) float64 {
	p := s.For(symbol)
	if p.Trades < 3 {
		return 1.0
	}
	bonus := p.AvgPL() / 100
	if bonus > 0.1 {
		bonus = 0.1
	} else if bonus < -0.1 {
		bonus = -0.1
	}
	return 1 + (p.WinRate()-0.5)*0.3 + bonus
}
