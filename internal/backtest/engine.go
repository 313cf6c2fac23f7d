// Package backtest replays historical daily bars through a strategy with
// fixed take-profit / stop-loss brackets. It is a sanity check for
// parameters, not a fill simulator: one position at a time, fills at bar
// prices, flat taker fees.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/strategy"
)

const (
	// warmupBars is how many bars feed the indicators before trading starts.
	warmupBars = 30

	// feeRate is the flat per-side fee applied to every fill.
	feeRate = 0.001
)

// Config holds one backtest request.
type Config struct {
	Symbol         string
	Days           int
	InitialCapital float64
	TakeProfitPct  float64 // e.g. 0.03 for +3%
	StopLossPct    float64 // e.g. 0.02 for -2%
}

// Trade is one simulated round trip.
type Trade struct {
	EntryTime   time.Time `json:"entry_time"`
	EntryPrice  float64   `json:"entry_price"`
	EntryReason string    `json:"entry_reason"`
	ExitTime    time.Time `json:"exit_time"`
	ExitPrice   float64   `json:"exit_price"`
	ExitReason  string    `json:"exit_reason"`
	Quantity    float64   `json:"quantity"`
	PnL         float64   `json:"pnl"`
	PnLPercent  float64   `json:"pnl_percent"`
	Fees        float64   `json:"fees"`
}

// Result summarizes one backtest run.
type Result struct {
	Symbol             string    `json:"symbol"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	TotalTrades        int       `json:"total_trades"`
	WinningTrades      int       `json:"winning_trades"`
	LosingTrades       int       `json:"losing_trades"`
	WinRate            float64   `json:"win_rate"`
	TotalPnL           float64   `json:"total_pnl"`
	TotalFees          float64   `json:"total_fees"`
	FinalCapital       float64   `json:"final_capital"`
	MaxDrawdown        float64   `json:"max_drawdown"`
	MaxDrawdownPercent float64   `json:"max_drawdown_percent"`
	Trades             []Trade   `json:"trades"`
}

type openPosition struct {
	entryTime   time.Time
	entryPrice  float64
	entryReason string
	quantity    float64
	takeProfit  float64
	stopLoss    float64
}

// Engine runs backtests against historical equity bars.
type Engine struct {
	client   broker.Equity
	strategy strategy.Strategy
	logger   zerolog.Logger
}

// NewEngine builds a backtest engine around an equity history source.
func NewEngine(client broker.Equity, strat strategy.Strategy, logger zerolog.Logger) *Engine {
	return &Engine{
		client:   client,
		strategy: strat,
		logger:   logger.With().Str("component", "backtest").Logger(),
	}
}

// Run replays the requested window bar by bar.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Days <= 0 || cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest needs positive days and capital")
	}
	if cfg.TakeProfitPct <= 0 || cfg.StopLossPct <= 0 {
		return nil, fmt.Errorf("backtest needs positive take-profit and stop-loss percentages")
	}

	bars, err := e.client.GetMarketHistory(ctx, cfg.Symbol, cfg.Days+warmupBars)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", cfg.Symbol, err)
	}
	if len(bars) <= warmupBars {
		return nil, fmt.Errorf("insufficient history for %s: got %d bars, need more than %d", cfg.Symbol, len(bars), warmupBars)
	}

	result := &Result{
		Symbol:    cfg.Symbol,
		StartDate: bars[warmupBars].Timestamp,
		EndDate:   bars[len(bars)-1].Timestamp,
	}

	ind := indicators.NewRegistry().For(cfg.Symbol)
	for _, bar := range bars[:warmupBars] {
		ind.UpdateBar(bar)
	}

	capital := cfg.InitialCapital
	var pos *openPosition
	var history []float64

	for _, bar := range bars[warmupBars:] {
		ind.UpdateBar(bar)
		history = append(history, bar.Close)
		if len(history) > 100 {
			history = history[1:]
		}

		if pos != nil {
			if exitPrice, reason, hit := pos.bracketExit(bar); hit {
				trade := closeTrade(pos, bar.Timestamp, exitPrice, reason)
				result.Trades = append(result.Trades, trade)
				capital += trade.PnL - trade.Fees
				pos = nil
			}
		}

		in := inputForBar(cfg.Symbol, bar.Close, pos, history, ind)
		signal := e.strategy.Evaluate(in)

		switch {
		case pos == nil && signal.Action == strategy.Buy:
			quantity := (capital * 0.95) / bar.Close
			if quantity <= 0 {
				continue
			}
			pos = &openPosition{
				entryTime:   bar.Timestamp,
				entryPrice:  bar.Close,
				entryReason: signal.Reason,
				quantity:    quantity,
				takeProfit:  bar.Close * (1 + cfg.TakeProfitPct),
				stopLoss:    bar.Close * (1 - cfg.StopLossPct),
			}
		case pos != nil && signal.Action == strategy.Sell:
			trade := closeTrade(pos, bar.Timestamp, bar.Close, signal.Reason)
			result.Trades = append(result.Trades, trade)
			capital += trade.PnL - trade.Fees
			pos = nil
		}
	}

	if pos != nil {
		last := bars[len(bars)-1]
		trade := closeTrade(pos, last.Timestamp, last.Close, "end of backtest")
		result.Trades = append(result.Trades, trade)
		capital += trade.PnL - trade.Fees
	}

	result.FinalCapital = capital
	e.summarize(result, cfg.InitialCapital)
	e.logger.Info().
		Str("symbol", cfg.Symbol).
		Int("trades", result.TotalTrades).
		Float64("win_rate", result.WinRate).
		Float64("final_capital", result.FinalCapital).
		Msg("Backtest complete")
	return result, nil
}

// bracketExit checks the bar's range against the TP/SL levels. The stop is
// checked first: when a bar straddles both, the pessimistic fill wins.
func (p *openPosition) bracketExit(bar broker.Bar) (float64, string, bool) {
	if bar.Low <= p.stopLoss {
		return p.stopLoss, "stop loss", true
	}
	if bar.High >= p.takeProfit {
		return p.takeProfit, "take profit", true
	}
	return 0, "", false
}

func inputForBar(symbol string, price float64, pos *openPosition, history []float64, ind *indicators.SymbolIndicators) strategy.Input {
	in := strategy.Input{
		Symbol:  symbol,
		Price:   price,
		History: history,
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
	if pos != nil {
		in.Qty = pos.quantity
	}
	return in
}

func closeTrade(pos *openPosition, exitTime time.Time, exitPrice float64, reason string) Trade {
	pnl := (exitPrice - pos.entryPrice) * pos.quantity
	fees := (pos.entryPrice + exitPrice) * pos.quantity * feeRate
	return Trade{
		EntryTime:   pos.entryTime,
		EntryPrice:  pos.entryPrice,
		EntryReason: pos.entryReason,
		ExitTime:    exitTime,
		ExitPrice:   exitPrice,
		ExitReason:  reason,
		Quantity:    pos.quantity,
		PnL:         pnl,
		PnLPercent:  (exitPrice - pos.entryPrice) / pos.entryPrice * 100,
		Fees:        fees,
	}
}

func (e *Engine) summarize(result *Result, initialCapital float64) {
	result.TotalTrades = len(result.Trades)
	if result.TotalTrades == 0 {
		return
	}

	balance := initialCapital
	peak := initialCapital
	for _, trade := range result.Trades {
		result.TotalPnL += trade.PnL
		result.TotalFees += trade.Fees
		if trade.PnL > 0 {
			result.WinningTrades++
		} else {
			result.LosingTrades++
		}

		balance += trade.PnL - trade.Fees
		if balance > peak {
			peak = balance
		}
		if dd := peak - balance; dd > result.MaxDrawdown {
			result.MaxDrawdown = dd
		}
	}
	result.WinRate = float64(result.WinningTrades) / float64(result.TotalTrades)
	if peak > 0 {
		result.MaxDrawdownPercent = result.MaxDrawdown / peak * 100
	}
}
