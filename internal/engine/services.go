// Package engine hosts the trading loops: per-profile equity runners, the
// 24/7 crypto loop, the emergency protocol, and the supervisor that owns
// them all.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/exits"
	"multi-asset-trading-bot/internal/filters"
	"multi-asset-trading-bot/internal/grid"
	"multi-asset-trading-bot/internal/history"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/kraken"
	"multi-asset-trading-bot/internal/regime"
	"multi-asset-trading-bot/internal/sizing"
	"multi-asset-trading-bot/internal/state"
	"multi-asset-trading-bot/internal/strategy"
)

// TradeHistory is the slice of the persistence layer the loops use: writes on
// entry and exit, reads of our own recent buys when reconstructing an entry
// price. A nil implementation disables persistence.
type TradeHistory interface {
	RecordTrade(ctx context.Context, t history.TradeRecord) (int64, error)
	CloseTrade(ctx context.Context, symbol string, exitTime time.Time, exitPrice, pnl float64) error
	RecentBuys(ctx context.Context, symbol string, since time.Time) ([]history.TradeRecord, error)
}

// Services bundles every dependency the loops share. All fields are set at
// wiring time; optional collaborators may be nil.
type Services struct {
	Cfg *config.Config

	Equity broker.Equity
	Crypto broker.Crypto

	Prices     *kraken.PriceSource
	Quotes     *kraken.QuoteStream
	Orders     *kraken.OrderStream
	Indicators *indicators.Registry
	Regime     *regime.Detector
	Dispatcher *strategy.Dispatcher
	Providers  filters.Providers
	Sizer      *sizing.Sizer
	Exits      *exits.Evaluator
	Grid       *grid.Engine
	Perf       *state.PerformanceStats
	Heartbeats *state.HeartbeatTable
	Bus        *events.Bus
	History    TradeHistory
	States     *history.StateStore

	// SelfHeal re-reads broker credentials after a post-startup auth
	// failure. Nil when no credential source supports rotation.
	SelfHeal func(ctx context.Context) error

	Logger zerolog.Logger
}

// RefreshRegime polls the VIX proxy and the reference index trend and feeds
// the detector. Errors keep the previous regime.
func (s *Services) RefreshRegime(ctx context.Context) regime.Regime {
	current, _ := s.Regime.Current()
	if !s.Cfg.Features.RegimeDetection {
		return current
	}

	vixBar, err := s.Equity.GetLatestBar(ctx, s.Cfg.Regime.VIXSymbol)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("VIX fetch failed, keeping regime")
		return current
	}

	bars, err := s.Equity.GetMarketHistory(ctx, s.Cfg.Regime.ReferenceIndex, 30)
	if err != nil || len(bars) < 2 {
		s.Logger.Warn().Err(err).Msg("Reference index fetch failed, keeping regime")
		return current
	}

	first, last := bars[0].Close, bars[len(bars)-1].Close
	trend := 0.0
	if first > 0 {
		// A 10% monthly move saturates the trend score.
		trend = math.Max(-1, math.Min(1, (last-first)/first*10))
	}
	return s.Regime.Update(vixBar.Close, trend)
}

// StrategyInput assembles the per-symbol strategy view from the indicator
// trackers.
func (s *Services) StrategyInput(symbol string, price, qty float64) strategy.Input {
	ind := s.Indicators.For(symbol)
	return strategy.Input{
		Symbol:  symbol,
		Price:   price,
		Qty:     qty,
		RSI:     ind.RSI.Value(),
		RSIOK:   ind.RSI.HasEnoughData(),
		EMABull: ind.EMAs.Bullish(),
		EMAOK:   ind.EMAs.Ready(),
		MACDUp:  ind.MACD.CrossedUp(),
		MACDDn:  ind.MACD.CrossedDown(),
		MACDOK:  ind.MACD.Ready(),
		Bullish: ind.MACD.Bullish(),
		VWAP:    ind.VWAP.Value(),
		Mom:     ind.Momentum.Value(),
		MomCons: ind.Momentum.Consistent(3, 0.001),
		MomOK:   ind.Momentum.Ready(),
	}
}

// SizingAdjustments gathers the advisory inputs the sizer damps on: model
// entry confidence, the highest correlation against current holdings, and the
// anomaly detector's standing action.
func (s *Services) SizingAdjustments(symbol string, positions []book.Position) (mlConf, maxCorr float64, anomaly filters.AnomalyAction) {
	anomaly = filters.AnomalyContinue
	if s.Providers.Anomaly != nil {
		anomaly = s.Providers.Anomaly.Action()
	}
	if s.Providers.ML != nil {
		if score, ok := s.Providers.ML.EntryScore(symbol); ok {
			mlConf = score
		}
	}
	if s.Providers.Correlation != nil {
		for _, p := range positions {
			if c := s.Providers.Correlation.Correlation(symbol, p.Symbol); c > maxCorr {
				maxCorr = c
			}
		}
	}
	return mlConf, maxCorr, anomaly
}

// RecordEntry persists an opened trade and tells the performance stats
// nothing yet; realized P&L is recorded on close.
func (s *Services) RecordEntry(ctx context.Context, p book.Position) {
	if s.History == nil {
		return
	}
	_, err := s.History.RecordTrade(ctx, history.TradeRecord{
		Symbol:     p.Symbol,
		Strategy:   p.Strategy,
		Profile:    p.Profile,
		EntryTime:  p.EntryTime,
		EntryPrice: p.EntryPrice,
		Quantity:   p.Qty,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
	})
	if err != nil {
		s.Logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Failed to persist trade entry")
	}
}

// RecordExit persists a close and feeds realized P&L into the performance
// stats that drive Kelly sizing and grid weighting.
func (s *Services) RecordExit(ctx context.Context, symbol string, exitTime time.Time, exitPrice, pnl float64) {
	s.Perf.RecordTrade(symbol, pnl)
	if s.History == nil {
		return
	}
	if err := s.History.CloseTrade(ctx, symbol, exitTime, exitPrice, pnl); err != nil {
		s.Logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist trade close")
	}
}
