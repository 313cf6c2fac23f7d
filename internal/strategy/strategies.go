package strategy

import "fmt"

// Strategy evaluates one symbol's state into a Signal. Implementations are
// stateless; all market state arrives through Input.
type Strategy interface {
	Name() string
	Evaluate(in Input) Signal
}

// ===========================================================================
// Mean reversion
// ===========================================================================

// MeanReversion buys dips below VWAP and sells stretches above it. The
// defensive default for RANGE and HIGH_VOL regimes.
type MeanReversion struct {
	// EntryDeviation is the fractional distance below VWAP that triggers a
	// buy; ExitDeviation the distance above that triggers a sell.
	EntryDeviation float64
	ExitDeviation  float64
}

func NewMeanReversion() *MeanReversion {
	return &MeanReversion{EntryDeviation: 0.005, ExitDeviation: 0.005}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Evaluate(in Input) Signal {
	if in.VWAP <= 0 || in.Price <= 0 {
		return HoldSignal("mean_reversion: no vwap")
	}
	dev := (in.Price - in.VWAP) / in.VWAP

	if in.Qty == 0 && dev <= -s.EntryDeviation {
		// Oversold confirmation keeps us out of falling knives.
		if in.RSIOK && in.RSI > 65 {
			return HoldSignal("mean_reversion: dip but rsi elevated")
		}
		return BuySignal(fmt.Sprintf("mean_reversion: %.2f%% below vwap", -dev*100))
	}
	if in.Qty > 0 && dev >= s.ExitDeviation {
		return SellSignal(fmt.Sprintf("mean_reversion: %.2f%% above vwap", dev*100))
	}
	return HoldSignal("mean_reversion: within band")
}

// ===========================================================================
// RSI
// ===========================================================================

// RSIStrategy buys oversold and sells overbought readings. With Confirm set it
// additionally requires the EMA pair to agree before buying.
type RSIStrategy struct {
	BuyBelow  float64
	SellAbove float64
	Confirm   bool
}

func NewRSIStrategy(confirm bool) *RSIStrategy {
	return &RSIStrategy{BuyBelow: 30, SellAbove: 70, Confirm: confirm}
}

func (s *RSIStrategy) Name() string { return "rsi" }

func (s *RSIStrategy) Evaluate(in Input) Signal {
	if !in.RSIOK {
		return HoldSignal("rsi: warming up")
	}
	if in.Qty == 0 && in.RSI <= s.BuyBelow {
		if s.Confirm && in.EMAOK && !in.EMABull {
			return HoldSignal("rsi: oversold but trend not confirmed")
		}
		return BuySignal(fmt.Sprintf("rsi: oversold at %.1f", in.RSI))
	}
	if in.Qty > 0 && in.RSI >= s.SellAbove {
		return SellSignal(fmt.Sprintf("rsi: overbought at %.1f", in.RSI))
	}
	return HoldSignal("rsi: neutral")
}

// ===========================================================================
// MACD
// ===========================================================================

// MACDStrategy trades signal-line crossovers.
type MACDStrategy struct{}

func NewMACDStrategy() *MACDStrategy { return &MACDStrategy{} }

func (s *MACDStrategy) Name() string { return "macd" }

func (s *MACDStrategy) Evaluate(in Input) Signal {
	if !in.MACDOK {
		return HoldSignal("macd: warming up")
	}
	if in.Qty == 0 && in.MACDUp {
		return BuySignal("macd: bullish crossover")
	}
	if in.Qty > 0 && in.MACDDn {
		return SellSignal("macd: bearish crossover")
	}
	return HoldSignal("macd: no crossover")
}

// ===========================================================================
// Momentum
// ===========================================================================

// MomentumStrategy rides consistent upward moves and exits on reversal.
type MomentumStrategy struct {
	// MinMomentum is the total move over the lookback window required to
	// enter; ExitMomentum the negative move that forces the exit.
	MinMomentum  float64
	ExitMomentum float64
}

func NewMomentumStrategy() *MomentumStrategy {
	return &MomentumStrategy{MinMomentum: 0.01, ExitMomentum: -0.005}
}

func (s *MomentumStrategy) Name() string { return "momentum" }

func (s *MomentumStrategy) Evaluate(in Input) Signal {
	if !in.MomOK {
		return HoldSignal("momentum: warming up")
	}
	if in.Qty == 0 && in.Mom >= s.MinMomentum && in.MomCons {
		return BuySignal(fmt.Sprintf("momentum: +%.2f%% consistent", in.Mom*100))
	}
	if in.Qty > 0 && in.Mom <= s.ExitMomentum {
		return SellSignal(fmt.Sprintf("momentum: reversal %.2f%%", in.Mom*100))
	}
	return HoldSignal("momentum: no setup")
}
