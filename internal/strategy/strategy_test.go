package strategy

import (
	"testing"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/regime"
)

func TestMeanReversionBuysDipBelowVWAP(t *testing.T) {
	s := NewMeanReversion()

	sig := s.Evaluate(Input{Symbol: "BTC/USD", Price: 99.0, VWAP: 100.0, RSIOK: true, RSI: 45})
	if sig.Action != Buy {
		t.Errorf("Should buy 1%% below vwap, got %s (%s)", sig.Action, sig.Reason)
	}

	sig = s.Evaluate(Input{Symbol: "BTC/USD", Price: 99.0, VWAP: 100.0, RSIOK: true, RSI: 68})
	if sig.Action != Hold {
		t.Errorf("Should hold when rsi is elevated, got %s", sig.Action)
	}

	sig = s.Evaluate(Input{Symbol: "BTC/USD", Price: 101.0, VWAP: 100.0, Qty: 1})
	if sig.Action != Sell {
		t.Errorf("Should sell 1%% above vwap with a position, got %s", sig.Action)
	}
}

func TestRSIStrategyConfirmation(t *testing.T) {
	confirm := NewRSIStrategy(true)

	sig := confirm.Evaluate(Input{RSIOK: true, RSI: 25, EMAOK: true, EMABull: false})
	if sig.Action != Hold {
		t.Errorf("Should hold when trend is not confirmed, got %s", sig.Action)
	}

	sig = confirm.Evaluate(Input{RSIOK: true, RSI: 25, EMAOK: true, EMABull: true})
	if sig.Action != Buy {
		t.Errorf("Should buy oversold with confirmation, got %s", sig.Action)
	}

	plain := NewRSIStrategy(false)
	sig = plain.Evaluate(Input{RSIOK: true, RSI: 25, EMAOK: true, EMABull: false})
	if sig.Action != Buy {
		t.Errorf("Should buy oversold without confirmation, got %s", sig.Action)
	}

	sig = plain.Evaluate(Input{RSIOK: true, RSI: 75, Qty: 1})
	if sig.Action != Sell {
		t.Errorf("Should sell overbought with a position, got %s", sig.Action)
	}
}

func TestMACDStrategyCrossovers(t *testing.T) {
	s := NewMACDStrategy()

	if sig := s.Evaluate(Input{MACDOK: false, MACDUp: true}); sig.Action != Hold {
		t.Error("Should hold while warming up")
	}
	if sig := s.Evaluate(Input{MACDOK: true, MACDUp: true}); sig.Action != Buy {
		t.Error("Should buy on a bullish crossover")
	}
	if sig := s.Evaluate(Input{MACDOK: true, MACDDn: true, Qty: 1}); sig.Action != Sell {
		t.Error("Should sell on a bearish crossover with a position")
	}
	if sig := s.Evaluate(Input{MACDOK: true, MACDDn: true}); sig.Action != Hold {
		t.Error("Should not sell when flat")
	}
}

func TestMomentumStrategy(t *testing.T) {
	s := NewMomentumStrategy()

	sig := s.Evaluate(Input{MomOK: true, Mom: 0.015, MomCons: true})
	if sig.Action != Buy {
		t.Errorf("Should buy consistent momentum, got %s", sig.Action)
	}

	sig = s.Evaluate(Input{MomOK: true, Mom: 0.015, MomCons: false})
	if sig.Action != Hold {
		t.Error("Should hold on inconsistent momentum")
	}

	sig = s.Evaluate(Input{MomOK: true, Mom: -0.01, Qty: 1})
	if sig.Action != Sell {
		t.Errorf("Should sell on reversal, got %s", sig.Action)
	}
}

func TestDispatcherTable(t *testing.T) {
	d := NewDispatcher("rsi", zerolog.Nop())

	cases := []struct {
		regime regime.Regime
		class  AssetClass
		want   string
	}{
		{regime.StrongBull, ClassMomentum, "momentum"},
		{regime.StrongBull, ClassStandard, "macd"},
		{regime.WeakBull, ClassMomentum, "momentum"},
		{regime.WeakBull, ClassStandard, "rsi"},
		{regime.WeakBear, ClassStandard, "rsi"},
		{regime.StrongBear, ClassMomentum, "rsi"},
		{regime.Range, ClassStandard, "mean_reversion"},
		{regime.HighVol, ClassMomentum, "mean_reversion"},
	}
	for _, tc := range cases {
		got := d.Pick(tc.regime, tc.class).Name()
		if got != tc.want {
			t.Errorf("Should pick %s for %s/%s, got %s", tc.want, tc.regime, tc.class, got)
		}
	}

	macdBear := NewDispatcher("macd", zerolog.Nop())
	if got := macdBear.Pick(regime.WeakBear, ClassStandard).Name(); got != "macd" {
		t.Errorf("Should pick macd in bear regimes when configured, got %s", got)
	}
}

type fakeMTF struct {
	sig        Signal
	confidence float64
	agree      bool
}

func (f fakeMTF) Recommend(string) (Signal, float64, bool) {
	return f.sig, f.confidence, f.agree
}

func TestDispatcherMTFOverride(t *testing.T) {
	in := Input{Symbol: "AAPL", MACDOK: true, MACDUp: true}

	d := NewDispatcher("rsi", zerolog.Nop())
	d.AttachTimeframeAnalyzer(fakeMTF{sig: SellSignal("mtf"), confidence: 0.8, agree: true})
	if sig := d.Evaluate(regime.StrongBull, ClassStandard, in); sig.Action != Sell {
		t.Errorf("Should override with high-confidence recommendation, got %s", sig.Action)
	}

	d = NewDispatcher("rsi", zerolog.Nop())
	d.AttachTimeframeAnalyzer(fakeMTF{sig: BuySignal("mtf"), confidence: 0.5, agree: false})
	if sig := d.Evaluate(regime.StrongBull, ClassStandard, in); sig.Action != Hold {
		t.Errorf("Should force hold on low-confidence disagreement, got %s", sig.Action)
	}

	d = NewDispatcher("rsi", zerolog.Nop())
	d.AttachTimeframeAnalyzer(fakeMTF{sig: SellSignal("mtf"), confidence: 0.65, agree: true})
	if sig := d.Evaluate(regime.StrongBull, ClassStandard, in); sig.Action != Buy {
		t.Errorf("Should keep the regime pick at middling confidence, got %s", sig.Action)
	}
}
