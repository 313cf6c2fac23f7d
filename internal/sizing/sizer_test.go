package sizing

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/filters"
	"multi-asset-trading-bot/internal/regime"
)

func newTestSizer(fractional bool) *Sizer {
	cfg := config.Defaults()
	return New(cfg.Sizing, cfg.Features, fractional, zerolog.Nop())
}

func neutralRequest() Request {
	return Request{
		Symbol:      "BTC/USD",
		IsCrypto:    true,
		EntryPrice:  50000,
		Equity:      10000,
		BuyingPower: 10000,
		WinRate:     0.5,
		ExpectedR:   1.0,
		VIX:         15,
		Regime:      regime.Range,
		Anomaly:     filters.AnomalyContinue,
	}
}

func TestBaseSizeUsesBuyingPowerFloor(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()

	// min(10000*0.95, 10000) * 0.10 / 50000 = 0.019
	got := s.Quantity(req)
	if math.Abs(got-0.019) > 1e-9 {
		t.Errorf("Should size 0.019 BTC at neutral inputs, got %v", got)
	}

	// Equity below buying power caps the base.
	req.Equity = 5000
	got = s.Quantity(req)
	if math.Abs(got-0.01) > 1e-9 {
		t.Errorf("Should cap the base at equity, got %v", got)
	}
}

func TestVIXScalingReducesSize(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.VIX = 28

	got := s.Quantity(req)
	want := 0.019 * 0.7
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Should scale by 0.7 above the VIX threshold, got %v want %v", got, want)
	}
}

func TestAnomalyAndDailyTargetHalve(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.Anomaly = filters.AnomalyReduceSize
	req.DailyTargetMet = true

	got := s.Quantity(req)
	want := 0.019 * 0.25
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Should halve twice, got %v want %v", got, want)
	}
}

func TestCorrelationDiscount(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.MaxCorrelation = 0.4

	got := s.Quantity(req)
	want := 0.019 * 0.6
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("Should scale by (1-correlation), got %v want %v", got, want)
	}
}

func TestBelowMinimumReturnsZero(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.Equity = 90
	req.BuyingPower = 90

	// 90*0.95*0.10 = $8.55 notional, below the $10 minimum.
	if got := s.Quantity(req); got != 0 {
		t.Errorf("Should return 0 below the broker minimum, got %v", got)
	}
}

func TestEquityRoundsToWholeShares(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.IsCrypto = false
	req.Symbol = "AAPL"
	req.EntryPrice = 150

	// base = 9500*0.10/150 = 6.33 -> 6 shares
	if got := s.Quantity(req); got != 6 {
		t.Errorf("Should round down to whole shares, got %v", got)
	}

	frac := newTestSizer(true)
	got := frac.Quantity(req)
	if math.Abs(got-6.3333) > 1e-9 {
		t.Errorf("Should keep 4 decimals with fractional shares, got %v", got)
	}
}

func TestKellyIncreasesWithEdge(t *testing.T) {
	s := newTestSizer(false)
	base := s.Quantity(neutralRequest())

	req := neutralRequest()
	req.WinRate = 0.65
	req.ExpectedR = 1.5
	edged := s.Quantity(req)
	if edged <= base {
		t.Errorf("Should size up with a positive edge: base %v edged %v", base, edged)
	}

	req.WinRate = 0.3
	req.ExpectedR = 1.0
	losing := s.Quantity(req)
	if losing > base {
		t.Errorf("Should never size above base with a losing record, got %v", losing)
	}
}

func TestZeroEntryPrice(t *testing.T) {
	s := newTestSizer(false)
	req := neutralRequest()
	req.EntryPrice = 0
	if got := s.Quantity(req); got != 0 {
		t.Errorf("Should return 0 for an unavailable price, got %v", got)
	}
}
