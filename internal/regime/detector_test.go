package regime

import (
	"testing"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
)

func testConfig() config.RegimeConfig {
	return config.RegimeConfig{
		VIXThreshold:   20,
		VIXHysteresis:  2,
		VIXExtreme:     30,
		ReferenceIndex: "SPY",
	}
}

func TestHysteresisHoldsRegimeThroughOscillation(t *testing.T) {
	d := NewDetector(testConfig(), zerolog.Nop())

	series := []float64{18, 21, 19, 22, 18, 23}
	for _, vix := range series {
		got := d.Update(vix, 0.8)
		if got != StrongBull {
			t.Errorf("Should stay in STRONG_BULL through vix %.0f, got %s", vix, got)
		}
	}
}

func TestConfirmedCrossingChangesZone(t *testing.T) {
	d := NewDetector(testConfig(), zerolog.Nop())

	d.Update(18, -0.5)
	if r, _ := d.Current(); r != WeakBear {
		t.Errorf("Should be WEAK_BEAR in calm downtrend, got %s", r)
	}

	// Two consecutive prints above threshold+hysteresis confirm the move.
	d.Update(23, -0.5)
	if r, _ := d.Current(); r != WeakBear {
		t.Errorf("Should not switch on a single print, got %s", r)
	}
	got := d.Update(24, -0.5)
	if got != StrongBear {
		t.Errorf("Should be STRONG_BEAR after confirmed stress crossing, got %s", got)
	}
}

func TestExtremeVIXIsHighVolRegardlessOfTrend(t *testing.T) {
	d := NewDetector(testConfig(), zerolog.Nop())

	d.Update(35, 0.9)
	d.Update(36, 0.9)
	if r, _ := d.Current(); r != HighVol {
		t.Errorf("Should be HIGH_VOL above extreme threshold, got %s", r)
	}
}

func TestCalmTrendMapping(t *testing.T) {
	cases := []struct {
		trend float64
		want  Regime
	}{
		{0.8, StrongBull},
		{0.3, WeakBull},
		{0.0, Range},
		{-0.3, WeakBear},
		{-0.8, StrongBear},
	}
	for _, tc := range cases {
		d := NewDetector(testConfig(), zerolog.Nop())
		got := d.Update(15, tc.trend)
		if got != tc.want {
			t.Errorf("Should map trend %.1f to %s, got %s", tc.trend, tc.want, got)
		}
	}
}

func TestBearishHelper(t *testing.T) {
	if !WeakBear.Bearish() || !StrongBear.Bearish() {
		t.Error("Should flag bear regimes as bearish")
	}
	if StrongBull.Bearish() || HighVol.Bearish() {
		t.Error("Should not flag non-bear regimes as bearish")
	}
}
