package engine

import (
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/strategy"
)

// TimeframeConsensus is the multi-timeframe overlay for the dispatcher. It
// compares the fast EMA crossover view against the slower MACD trend for the
// same symbol: when both agree it reports moderate confidence, and when they
// split it reports low confidence so the dispatcher holds instead of trading
// into a conflicted tape. It never reports high enough confidence to override
// the regime-selected strategy on its own.
type TimeframeConsensus struct {
	reg *indicators.Registry
}

// NewTimeframeConsensus builds the overlay on the shared indicator registry.
func NewTimeframeConsensus(reg *indicators.Registry) *TimeframeConsensus {
	return &TimeframeConsensus{reg: reg}
}

// Recommend implements strategy.TimeframeAnalyzer.
func (c *TimeframeConsensus) Recommend(symbol string) (strategy.Signal, float64, bool) {
	ind := c.reg.For(symbol)
	if !ind.EMAs.Ready() || !ind.MACD.Ready() {
		return strategy.HoldSignal("mtf: warming up"), 0, true
	}

	fastBull := ind.EMAs.Bullish()
	slowBull := ind.MACD.Bullish()
	if fastBull != slowBull {
		return strategy.HoldSignal("mtf: timeframes disagree"), 0.5, false
	}
	if fastBull {
		return strategy.BuySignal("mtf: both timeframes bullish"), 0.65, true
	}
	return strategy.HoldSignal("mtf: both timeframes bearish"), 0.65, true
}
