package indicators

import (
	"time"
)

// ============================================================================
// RSI (Wilder smoothing)
// ============================================================================

// RSITracker maintains a streaming RSI with Wilder smoothing. Updates are
// idempotent within one timestamp: a repeated sample for the same instant is
// ignored.
type RSITracker struct {
	period    int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	count     int
	lastTS    time.Time
}

// NewRSITracker creates an RSI tracker; period 14 is the standard setting.
func NewRSITracker(period int) *RSITracker {
	return &RSITracker{period: period}
}

// Update feeds one close price into the tracker.
func (r *RSITracker) Update(close float64, ts time.Time) {
	if !ts.IsZero() && ts.Equal(r.lastTS) {
		return
	}
	r.lastTS = ts

	if r.count == 0 {
		r.prevClose = close
		r.count = 1
		return
	}

	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.count <= r.period {
		// Seed phase: simple average of the first `period` changes.
		n := float64(r.count)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	} else {
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
	r.count++
}

// HasEnoughData reports whether the seed phase is complete.
func (r *RSITracker) HasEnoughData() bool {
	return r.count > r.period
}

// Value returns the current RSI, or 50 while seeding.
func (r *RSITracker) Value() float64 {
	if !r.HasEnoughData() {
		return 50
	}
	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - (100 / (1 + rs))
}

// Overbought reports RSI >= 70.
func (r *RSITracker) Overbought() bool { return r.HasEnoughData() && r.Value() >= 70 }

// Oversold reports RSI <= 30.
func (r *RSITracker) Oversold() bool { return r.HasEnoughData() && r.Value() <= 30 }

// ============================================================================
// EMA
// ============================================================================

// EMATracker maintains a streaming exponential moving average.
type EMATracker struct {
	period int
	value  float64
	count  int
}

// NewEMATracker creates an EMA tracker for the given period.
func NewEMATracker(period int) *EMATracker {
	return &EMATracker{period: period}
}

// Update feeds one close price into the tracker. The first `period` samples
// build a simple average seed, after which standard EMA smoothing applies.
func (e *EMATracker) Update(close float64) {
	e.count++
	if e.count <= e.period {
		e.value += (close - e.value) / float64(e.count)
		return
	}
	k := 2.0 / float64(e.period+1)
	e.value = close*k + e.value*(1-k)
}

// Value returns the current EMA (the running seed average while warming up).
func (e *EMATracker) Value() float64 { return e.value }

// Ready reports whether the seed phase is complete.
func (e *EMATracker) Ready() bool { return e.count >= e.period }

// EMAPair tracks the 9/21 crossover used for trend confirmation.
type EMAPair struct {
	Fast *EMATracker
	Slow *EMATracker
}

// NewEMAPair creates the standard 9/21 pair.
func NewEMAPair() *EMAPair {
	return &EMAPair{Fast: NewEMATracker(9), Slow: NewEMATracker(21)}
}

// Update feeds one close into both legs.
func (p *EMAPair) Update(close float64) {
	p.Fast.Update(close)
	p.Slow.Update(close)
}

// Bullish reports fast EMA above slow EMA.
func (p *EMAPair) Bullish() bool {
	return p.Ready() && p.Fast.Value() > p.Slow.Value()
}

// Ready reports whether both legs are seeded.
func (p *EMAPair) Ready() bool { return p.Fast.Ready() && p.Slow.Ready() }

// ============================================================================
// MACD (12, 26, 9)
// ============================================================================

// MACDTracker maintains a streaming MACD line and signal line. The signal
// line defaults to an SMA of the last `signalPeriod` MACD values, a documented
// proxy for the classic EMA signal; set UseEMASignal for the strict variant.
type MACDTracker struct {
	fast *EMATracker
	slow *EMATracker

	// UseEMASignal switches the signal line to a strict EMA of MACD values.
	UseEMASignal bool

	signalPeriod int
	macdRing     []float64
	ringNext     int
	ringFill     int
	signalEMA    *EMATracker

	prevAbove  bool
	crossedUp  bool
	crossedDn  bool
	updateSeen bool
}

// NewMACDTracker creates the standard 12/26/9 tracker.
func NewMACDTracker() *MACDTracker {
	return NewMACDTrackerWithPeriods(12, 26, 9)
}

// NewMACDTrackerWithPeriods creates a MACD tracker with custom periods.
func NewMACDTrackerWithPeriods(fast, slow, signal int) *MACDTracker {
	return &MACDTracker{
		fast:         NewEMATracker(fast),
		slow:         NewEMATracker(slow),
		signalPeriod: signal,
		macdRing:     make([]float64, signal),
		signalEMA:    NewEMATracker(signal),
	}
}

// Update feeds one close price into the tracker.
func (m *MACDTracker) Update(close float64) {
	m.fast.Update(close)
	m.slow.Update(close)

	macd := m.fast.Value() - m.slow.Value()

	// Ring buffer drop-oldest is O(1).
	m.macdRing[m.ringNext] = macd
	m.ringNext = (m.ringNext + 1) % m.signalPeriod
	if m.ringFill < m.signalPeriod {
		m.ringFill++
	}
	m.signalEMA.Update(macd)

	above := macd > m.Signal()
	if m.updateSeen {
		m.crossedUp = above && !m.prevAbove
		m.crossedDn = !above && m.prevAbove
	}
	m.prevAbove = above
	m.updateSeen = true
}

// MACD returns the current MACD line value.
func (m *MACDTracker) MACD() float64 { return m.fast.Value() - m.slow.Value() }

// Signal returns the current signal line value.
func (m *MACDTracker) Signal() float64 {
	if m.UseEMASignal {
		return m.signalEMA.Value()
	}
	if m.ringFill == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < m.ringFill; i++ {
		sum += m.macdRing[i]
	}
	return sum / float64(m.ringFill)
}

// Histogram returns MACD minus signal.
func (m *MACDTracker) Histogram() float64 { return m.MACD() - m.Signal() }

// Bullish reports the MACD line above the signal line.
func (m *MACDTracker) Bullish() bool { return m.Ready() && m.MACD() > m.Signal() }

// CrossedUp reports a bullish crossover on the most recent update.
func (m *MACDTracker) CrossedUp() bool { return m.Ready() && m.crossedUp }

// CrossedDown reports a bearish crossover on the most recent update.
func (m *MACDTracker) CrossedDown() bool { return m.Ready() && m.crossedDn }

// Ready reports whether the slow EMA is seeded.
func (m *MACDTracker) Ready() bool { return m.slow.Ready() }

// ============================================================================
// ATR (approximated from bar range, reported as % of price)
// ============================================================================

// ATRTracker maintains a streaming average true range approximated from bar
// high-low ranges.
type ATRTracker struct {
	period int
	value  float64
	count  int
}

// NewATRTracker creates an ATR tracker; period 14 is the standard setting.
func NewATRTracker(period int) *ATRTracker {
	return &ATRTracker{period: period}
}

// Update feeds one bar's range into the tracker.
func (a *ATRTracker) Update(high, low float64) {
	tr := high - low
	if tr < 0 {
		tr = -tr
	}
	a.count++
	if a.count <= a.period {
		a.value += (tr - a.value) / float64(a.count)
		return
	}
	p := float64(a.period)
	a.value = (a.value*(p-1) + tr) / p
}

// Value returns the current ATR in price units.
func (a *ATRTracker) Value() float64 { return a.value }

// Pct returns ATR as a fraction of the given price, or 0 when unusable.
func (a *ATRTracker) Pct(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return a.value / price
}

// Ready reports whether the seed phase is complete.
func (a *ATRTracker) Ready() bool { return a.count >= a.period }

// ============================================================================
// Momentum
// ============================================================================

// MomentumTracker keeps a ring of recent closes and reports the fractional
// move over a lookback window.
type MomentumTracker struct {
	lookback int
	closes   []float64
	next     int
	fill     int
}

// NewMomentumTracker creates a momentum tracker over `lookback` bars. The
// ring holds one extra slot so per-bar changes over the full window can be
// inspected for consistency.
func NewMomentumTracker(lookback int) *MomentumTracker {
	return &MomentumTracker{
		lookback: lookback,
		closes:   make([]float64, lookback+1),
	}
}

// Update feeds one close price into the tracker.
func (m *MomentumTracker) Update(close float64) {
	m.closes[m.next] = close
	m.next = (m.next + 1) % len(m.closes)
	if m.fill < len(m.closes) {
		m.fill++
	}
}

// Ready reports whether the full lookback window is populated.
func (m *MomentumTracker) Ready() bool { return m.fill == len(m.closes) }

// at returns the i-th most recent close (0 = latest).
func (m *MomentumTracker) at(i int) float64 {
	idx := (m.next - 1 - i + 2*len(m.closes)) % len(m.closes)
	return m.closes[idx]
}

// Value returns (close - close_k_ago) / close_k_ago over the lookback.
func (m *MomentumTracker) Value() float64 {
	if !m.Ready() {
		return 0
	}
	old := m.at(m.lookback)
	if old <= 0 {
		return 0
	}
	return (m.at(0) - old) / old
}

// Consistent reports whether each of the last n per-bar moves gained at least
// minPerBar (fractional, e.g. 0.002 = 0.2%).
func (m *MomentumTracker) Consistent(n int, minPerBar float64) bool {
	if !m.Ready() || n > m.lookback {
		return false
	}
	for i := 0; i < n; i++ {
		prev := m.at(i + 1)
		if prev <= 0 {
			return false
		}
		if (m.at(i)-prev)/prev < minPerBar {
			return false
		}
	}
	return true
}

// ============================================================================
// Volume
// ============================================================================

// VolumeTracker keeps a ring of recent volume readings and reports their
// average, the baseline for spike detection.
type VolumeTracker struct {
	samples []float64
	next    int
	fill    int
}

// NewVolumeTracker creates a volume tracker over `window` readings.
func NewVolumeTracker(window int) *VolumeTracker {
	return &VolumeTracker{samples: make([]float64, window)}
}

// Update feeds one volume reading into the tracker. Non-positive readings
// are dropped so a missing field never dilutes the baseline.
func (v *VolumeTracker) Update(volume float64) {
	if volume <= 0 {
		return
	}
	v.samples[v.next] = volume
	v.next = (v.next + 1) % len(v.samples)
	if v.fill < len(v.samples) {
		v.fill++
	}
}

// Ready reports whether the full window is populated.
func (v *VolumeTracker) Ready() bool { return v.fill == len(v.samples) }

// Average returns the mean volume over the window, or 0 while warming up.
func (v *VolumeTracker) Average() float64 {
	if !v.Ready() {
		return 0
	}
	sum := 0.0
	for _, s := range v.samples {
		sum += s
	}
	return sum / float64(len(v.samples))
}

// ============================================================================
// VWAP (24h)
// ============================================================================

// VWAPTracker computes a rolling volume-weighted price over tick updates via
// trapezoidal accumulation, with the option to override with the
// exchange-provided 24h VWAP when available.
type VWAPTracker struct {
	pvSum    float64
	volSum   float64
	exchange float64 // exchange-provided value wins when set
}

// NewVWAPTracker creates an empty VWAP tracker.
func NewVWAPTracker() *VWAPTracker {
	return &VWAPTracker{}
}

// Update accumulates one tick.
func (v *VWAPTracker) Update(price, volume float64) {
	if volume <= 0 {
		return
	}
	v.pvSum += price * volume
	v.volSum += volume
}

// SetExchangeVWAP records the broker's own 24h VWAP, which takes precedence.
func (v *VWAPTracker) SetExchangeVWAP(vwap float64) {
	v.exchange = vwap
}

// Value returns the current VWAP, preferring the exchange-provided figure.
func (v *VWAPTracker) Value() float64 {
	if v.exchange > 0 {
		return v.exchange
	}
	if v.volSum <= 0 {
		return 0
	}
	return v.pvSum / v.volSum
}

// ============================================================================
// Volatility buckets
// ============================================================================

// VolBucket classifies 24h range volatility.
type VolBucket string

const (
	VolNormal   VolBucket = "NORMAL"
	VolElevated VolBucket = "ELEVATED" // 3-5% daily range
	VolHigh     VolBucket = "HIGH"     // >5% daily range
)

// VolatilityTracker holds the latest 24h range statistics for one symbol.
type VolatilityTracker struct {
	DailyVol float64 // (high24-low24)/price
	High     float64
	Low      float64
	Updated  time.Time
}

// Update records the latest 24h high/low against the current price.
func (v *VolatilityTracker) Update(high24, low24, price float64, now time.Time) {
	v.High = high24
	v.Low = low24
	if price > 0 {
		v.DailyVol = (high24 - low24) / price
	}
	v.Updated = now
}

// Bucket returns the volatility class for the current stats.
func (v *VolatilityTracker) Bucket() VolBucket {
	switch {
	case v.DailyVol > 0.05:
		return VolHigh
	case v.DailyVol >= 0.03:
		return VolElevated
	default:
		return VolNormal
	}
}
