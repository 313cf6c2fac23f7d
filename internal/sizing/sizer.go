package sizing

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/filters"
	"multi-asset-trading-bot/internal/regime"
)

// Request carries everything one sizing decision needs.
type Request struct {
	Symbol      string
	IsCrypto    bool
	EntryPrice  float64
	Equity      float64
	BuyingPower float64

	// Kelly inputs from realized performance; WinRate 0.5 and ExpectedR 1.0
	// are the no-history neutrals.
	WinRate   float64
	ExpectedR float64

	VIX            float64
	Regime         regime.Regime
	MLConfidence   float64 // 0 disables the adaptive scale
	MaxCorrelation float64 // highest correlation with current holdings
	Anomaly        filters.AnomalyAction
	DailyTargetMet bool
}

// Sizer turns an approved entry into an order quantity via a pipeline of
// multiplicative adjustments on a risk-fraction base.
type Sizer struct {
	cfg        config.SizingConfig
	features   config.FeatureFlags
	fractional bool
	logger     zerolog.Logger
}

// New creates a sizer. fractional enables fractional equity shares.
func New(cfg config.SizingConfig, features config.FeatureFlags, fractional bool, logger zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:        cfg,
		features:   features,
		fractional: fractional,
		logger:     logger.With().Str("component", "sizer").Logger(),
	}
}

// Quantity returns the order quantity, rounded to the asset's precision.
// Returns 0 when the resulting notional falls below the broker minimum.
func (s *Sizer) Quantity(req Request) float64 {
	if req.EntryPrice <= 0 {
		return 0
	}

	capital := req.BuyingPower * s.cfg.BuyingPowerRatio
	if req.Equity > 0 && req.Equity < capital {
		capital = req.Equity
	}
	qty := capital * s.cfg.RiskFraction / req.EntryPrice

	qty *= s.kellyMultiplier(req)

	if req.VIX > s.cfg.VIXScaleThreshold {
		qty *= s.cfg.VIXScaleFactor
	}
	if s.features.AdaptiveSizing && req.MLConfidence > 0 {
		qty *= s.adaptiveMultiplier(req)
	}
	if req.MaxCorrelation > 0 {
		m := 1 - req.MaxCorrelation
		if m < 0 {
			m = 0
		}
		qty *= m
	}
	if req.Anomaly == filters.AnomalyReduceSize {
		qty *= 0.5
	}
	if req.DailyTargetMet {
		qty *= 0.5
	}

	qty = s.round(qty, req.IsCrypto)

	if qty*req.EntryPrice < s.cfg.MinOrderUSD {
		s.logger.Debug().
			Str("symbol", req.Symbol).
			Float64("qty", qty).
			Float64("notional", qty*req.EntryPrice).
			Msg("sized below broker minimum")
		return 0
	}
	return qty
}

// kellyMultiplier applies a fractional Kelly scaled by the expected
// reward-to-risk ratio. Neutral history yields 1.0 so sizing is unchanged
// until results accumulate.
func (s *Sizer) kellyMultiplier(req Request) float64 {
	win := req.WinRate
	r := req.ExpectedR
	if win <= 0 || win >= 1 || r <= 0 {
		return 1
	}
	// Kelly: f* = w - (1-w)/R, clamped to [0, 1], blended toward 1 by the
	// configured fraction.
	kelly := win - (1-win)/r
	if kelly < 0 {
		kelly = 0
	}
	if kelly > 1 {
		kelly = 1
	}
	// At the neutral inputs (w=0.5, R=1) kelly is 0 and the multiplier 1.
	m := 1 + s.cfg.KellyFraction*kelly
	if m > 1.5 {
		m = 1.5
	}
	return m
}

// adaptiveMultiplier scales by model confidence, damped in stressed regimes.
func (s *Sizer) adaptiveMultiplier(req Request) float64 {
	m := 0.5 + req.MLConfidence // confidence 0.5 -> 1.0x
	if m > 1.5 {
		m = 1.5
	}
	switch req.Regime {
	case regime.HighVol:
		m *= 0.6
	case regime.StrongBear, regime.WeakBear:
		m *= 0.8
	}
	return m
}

// round truncates to the asset's allowed precision: 8 decimals for crypto,
// whole shares for equities unless fractional trading is enabled.
func (s *Sizer) round(qty float64, isCrypto bool) float64 {
	d := decimal.NewFromFloat(qty)
	switch {
	case isCrypto:
		d = d.RoundDown(s.cfg.CryptoPrecision)
	case s.fractional:
		d = d.RoundDown(4)
	default:
		d = d.RoundDown(0)
	}
	f, _ := d.Float64()
	return f
}
