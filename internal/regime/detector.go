package regime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
)

// Regime is a discrete market state used to select a strategy.
type Regime string

const (
	StrongBull Regime = "STRONG_BULL"
	WeakBull   Regime = "WEAK_BULL"
	Range      Regime = "RANGE"
	WeakBear   Regime = "WEAK_BEAR"
	StrongBear Regime = "STRONG_BEAR"
	HighVol    Regime = "HIGH_VOL"
)

// vixZone is the hysteresis-gated banding of the volatility measure.
type vixZone int

const (
	zoneCalm vixZone = iota
	zoneStressed
	zoneExtreme
)

// Detector classifies the market into one of six regimes from a volatility
// index reading and a trend score of the reference index (roughly -1..1).
//
// Zone transitions require the measure to clear threshold +/- hysteresis on
// two consecutive updates; oscillation inside the band never changes zone.
type Detector struct {
	mu     sync.RWMutex
	cfg    config.RegimeConfig
	logger zerolog.Logger

	zone        vixZone
	zoneInit    bool
	pendingZone vixZone
	pendingHits int

	current Regime
	summary string
	lastVIX float64
}

// NewDetector creates a detector; the first Update fixes the initial zone
// without hysteresis.
func NewDetector(cfg config.RegimeConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		logger:  logger.With().Str("component", "regime").Logger(),
		current: Range,
		summary: "no data",
	}
}

// rawZone bands a VIX reading without hysteresis.
func (d *Detector) rawZone(vix float64) vixZone {
	switch {
	case vix > d.cfg.VIXExtreme:
		return zoneExtreme
	case vix > d.cfg.VIXThreshold:
		return zoneStressed
	default:
		return zoneCalm
	}
}

// crossesOut reports whether vix clears the current zone's boundary with the
// hysteresis margin in the direction of the candidate zone.
func (d *Detector) crossesOut(vix float64, candidate vixZone) bool {
	h := d.cfg.VIXHysteresis
	switch {
	case candidate > d.zone: // moving to a more stressed zone
		boundary := d.cfg.VIXThreshold
		if candidate == zoneExtreme {
			boundary = d.cfg.VIXExtreme
		}
		return vix > boundary+h
	case candidate < d.zone: // calming down
		boundary := d.cfg.VIXThreshold
		if d.zone == zoneExtreme {
			boundary = d.cfg.VIXExtreme
		}
		return vix < boundary-h
	default:
		return false
	}
}

// Update feeds a new (vix, trend) observation and returns the regime.
func (d *Detector) Update(vix, trendScore float64) Regime {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastVIX = vix

	if !d.zoneInit {
		d.zone = d.rawZone(vix)
		d.zoneInit = true
	} else {
		candidate := d.rawZone(vix)
		if candidate != d.zone && d.crossesOut(vix, candidate) {
			if candidate == d.pendingZone {
				d.pendingHits++
			} else {
				d.pendingZone = candidate
				d.pendingHits = 1
			}
			// Two consecutive confirmations debounce single-print spikes.
			if d.pendingHits >= 2 {
				old := d.zone
				d.zone = candidate
				d.pendingHits = 0
				d.logger.Info().
					Float64("vix", vix).
					Int("from_zone", int(old)).
					Int("to_zone", int(candidate)).
					Msg("volatility zone change")
			}
		} else {
			d.pendingHits = 0
		}
	}

	prev := d.current
	d.current = d.classify(d.zone, trendScore)
	d.summary = fmt.Sprintf("vix=%.1f trend=%.2f -> %s", vix, trendScore, d.current)

	if d.current != prev {
		d.logger.Info().
			Str("from", string(prev)).
			Str("to", string(d.current)).
			Str("summary", d.summary).
			Msg("regime change")
	}
	return d.current
}

// classify maps (zone, trend) to a regime.
func (d *Detector) classify(zone vixZone, trend float64) Regime {
	switch zone {
	case zoneExtreme:
		return HighVol
	case zoneStressed:
		switch {
		case trend <= -0.3:
			return StrongBear
		case trend < 0.1:
			return WeakBear
		default:
			return HighVol // elevated vol with price still rising
		}
	default: // calm
		switch {
		case trend > 0.5:
			return StrongBull
		case trend > 0.1:
			return WeakBull
		case trend < -0.5:
			return StrongBear
		case trend < -0.1:
			return WeakBear
		default:
			return Range
		}
	}
}

// Current returns the latest regime and a human summary for telemetry.
func (d *Detector) Current() (Regime, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current, d.summary
}

// LastVIX returns the most recent volatility index reading.
func (d *Detector) LastVIX() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastVIX
}

// Bearish reports whether the regime calls for the bearish symbol universe.
func (r Regime) Bearish() bool {
	return r == WeakBear || r == StrongBear
}
