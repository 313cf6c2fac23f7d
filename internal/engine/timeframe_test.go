package engine

import (
	"testing"
	"time"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/strategy"
)

func feedCloses(reg *indicators.Registry, symbol string, closes []float64) {
	ind := reg.For(symbol)
	base := time.Now().Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		ind.UpdateBar(broker.Bar{
			Close: c, High: c + 1, Low: c - 1, Volume: 1000,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestTimeframeConsensusHoldsWhileWarmingUp(t *testing.T) {
	c := NewTimeframeConsensus(indicators.NewRegistry())

	sig, confidence, agree := c.Recommend("AAPL")
	if sig.Action != strategy.Hold || confidence != 0 || !agree {
		t.Errorf("Should hold quietly without data, got %+v conf=%v agree=%v", sig, confidence, agree)
	}
}

func TestTimeframeConsensusAgreesOnSteadyTrend(t *testing.T) {
	reg := indicators.NewRegistry()
	c := NewTimeframeConsensus(reg)

	var rising []float64
	for i := 0; i < 60; i++ {
		rising = append(rising, 100+float64(i))
	}
	feedCloses(reg, "AAPL", rising)

	sig, confidence, agree := c.Recommend("AAPL")
	if !agree || sig.Action != strategy.Buy {
		t.Errorf("Should agree bullish on a steady rise, got %+v agree=%v", sig, agree)
	}
	if confidence > 0.7 {
		t.Errorf("Should never reach override confidence, got %v", confidence)
	}

	var falling []float64
	for i := 0; i < 60; i++ {
		falling = append(falling, 200-float64(i))
	}
	feedCloses(reg, "MSFT", falling)

	sig, _, agree = c.Recommend("MSFT")
	if !agree || sig.Action != strategy.Hold {
		t.Errorf("Should agree bearish on a steady decline, got %+v agree=%v", sig, agree)
	}
}

func TestTimeframeConsensusVetoesOnDisagreement(t *testing.T) {
	reg := indicators.NewRegistry()
	c := NewTimeframeConsensus(reg)

	// A long rise followed by a flat shelf: the fast EMA view stays bullish
	// while the slower trend line rolls over under its own signal average.
	var closes []float64
	for i := 0; i < 100; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 15; i++ {
		closes = append(closes, 199)
	}
	feedCloses(reg, "NVDA", closes)

	ind := reg.For("NVDA")
	if !ind.EMAs.Bullish() || ind.MACD.Bullish() {
		t.Fatalf("Should split the timeframes: emas=%v macd=%v",
			ind.EMAs.Bullish(), ind.MACD.Bullish())
	}

	sig, confidence, agree := c.Recommend("NVDA")
	if agree || sig.Action != strategy.Hold {
		t.Errorf("Should veto on a split tape, got %+v agree=%v", sig, agree)
	}
	if confidence >= 0.6 {
		t.Errorf("Should stay under the dispatcher's hold threshold, got %v", confidence)
	}
}
