package strategy

import (
	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/regime"
)

// AssetClass partitions symbols for strategy selection. Momentum tickers are
// configured per profile; everything else is standard.
type AssetClass string

const (
	ClassMomentum AssetClass = "momentum"
	ClassStandard AssetClass = "standard"
)

// TimeframeAnalyzer is an optional multi-timeframe overlay. When attached, a
// confident recommendation overrides the per-regime pick, and disagreement at
// low confidence forces a hold.
type TimeframeAnalyzer interface {
	// Recommend returns the cross-timeframe signal, its confidence in [0,1],
	// and whether the timeframes agree.
	Recommend(symbol string) (Signal, float64, bool)
}

// Dispatcher picks a strategy by (regime, asset class) and evaluates it.
type Dispatcher struct {
	logger zerolog.Logger
	mtf    TimeframeAnalyzer

	meanRev     *MeanReversion
	rsiPlain    *RSIStrategy
	rsiConfirm  *RSIStrategy
	macd        *MACDStrategy
	momentum    *MomentumStrategy
	bearUseMACD bool
}

// NewDispatcher builds a dispatcher. bearStrategy selects the bear-regime
// pick: "macd" or anything else for RSI.
func NewDispatcher(bearStrategy string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger.With().Str("component", "dispatcher").Logger(),
		meanRev:     NewMeanReversion(),
		rsiPlain:    NewRSIStrategy(false),
		rsiConfirm:  NewRSIStrategy(true),
		macd:        NewMACDStrategy(),
		momentum:    NewMomentumStrategy(),
		bearUseMACD: bearStrategy == "macd",
	}
}

// AttachTimeframeAnalyzer wires the optional multi-timeframe overlay.
func (d *Dispatcher) AttachTimeframeAnalyzer(a TimeframeAnalyzer) { d.mtf = a }

// Pick returns the strategy for a regime and asset class.
func (d *Dispatcher) Pick(r regime.Regime, class AssetClass) Strategy {
	switch r {
	case regime.StrongBull:
		if class == ClassMomentum {
			return d.momentum
		}
		return d.macd
	case regime.WeakBull:
		if class == ClassMomentum {
			return d.momentum
		}
		return d.rsiConfirm
	case regime.StrongBear, regime.WeakBear:
		if d.bearUseMACD {
			return d.macd
		}
		return d.rsiPlain
	default: // RANGE, HIGH_VOL
		return d.meanRev
	}
}

// Evaluate runs the regime-selected strategy and applies the multi-timeframe
// override rules.
func (d *Dispatcher) Evaluate(r regime.Regime, class AssetClass, in Input) Signal {
	strat := d.Pick(r, class)
	sig := strat.Evaluate(in)

	if d.mtf != nil {
		rec, confidence, agree := d.mtf.Recommend(in.Symbol)
		switch {
		case confidence > 0.7:
			d.logger.Debug().
				Str("symbol", in.Symbol).
				Str("base", sig.Action.String()).
				Str("override", rec.Action.String()).
				Float64("confidence", confidence).
				Msg("multi-timeframe override")
			return rec
		case confidence < 0.6 && !agree:
			return HoldSignal("mtf: timeframes disagree at low confidence")
		}
	}
	return sig
}
