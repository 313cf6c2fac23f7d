package filters

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/regime"
	"multi-asset-trading-bot/internal/state"
)

// Verdict is the outcome of one filter or of the whole pipeline.
type Verdict int

const (
	Pass Verdict = iota
	Skip         // reject this entry, continue the cycle
	Halt         // abort the whole cycle
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "PASS"
	case Skip:
		return "SKIP"
	default:
		return "HALT"
	}
}

// Result is a verdict with the filter that produced it.
type Result struct {
	Verdict Verdict
	Filter  string
	Reason  string
}

func pass() Result { return Result{Verdict: Pass} }

func skip(filter, format string, args ...interface{}) Result {
	return Result{Verdict: Skip, Filter: filter, Reason: fmt.Sprintf(format, args...)}
}

func halt(filter, format string, args ...interface{}) Result {
	return Result{Verdict: Halt, Filter: filter, Reason: fmt.Sprintf(format, args...)}
}

// Entry is the per-candidate input to the pipeline. The position snapshot is
// passed in by value at cycle entry; the pipeline never reads the live book.
type Entry struct {
	Symbol        string
	IsCrypto      bool
	Price         float64
	Bid           float64
	Ask           float64
	IntendedValue float64 // approximate notional of the planned order
	Bias          int     // profile bias: +1 bullish universe, -1 bearish
	MaxPositions  int     // 0 disables the position-cap check

	Regime    regime.Regime
	Ind       *indicators.SymbolIndicators
	Positions []book.Position
	Equity    float64

	// 24h ticker derived fields; zero values disable the related checks.
	DayChangePct  float64
	RangePosition float64
	Volume24h     float64
	AvgVolume     float64

	Now time.Time
}

// Pipeline is the ordered entry filter chain. The first non-Pass result wins;
// Halt aborts the caller's whole cycle.
type Pipeline struct {
	cfg       config.FilterConfig
	features  config.FeatureFlags
	cooldowns *state.Cooldowns
	providers Providers
	logger    zerolog.Logger
}

// NewPipeline builds the chain around a cooldown table and the optional
// advisory providers.
func NewPipeline(cfg config.FilterConfig, features config.FeatureFlags, cooldowns *state.Cooldowns, providers Providers, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		features:  features,
		cooldowns: cooldowns,
		providers: providers,
		logger:    logger.With().Str("component", "entry_filters").Logger(),
	}
}

type filterFunc struct {
	name string
	fn   func(*Pipeline, Entry) Result
}

// chain is the fixed evaluation order.
var chain = []filterFunc{
	{"cooldown", (*Pipeline).checkCooldown},
	{"position_cap", (*Pipeline).checkPositionCap},
	{"sentiment", (*Pipeline).checkSentiment},
	{"breadth", (*Pipeline).checkBreadth},
	{"ml_score", (*Pipeline).checkMLScore},
	{"volume_profile", (*Pipeline).checkVolumeProfile},
	{"win_probability", (*Pipeline).checkWinProbability},
	{"anomaly", (*Pipeline).checkAnomaly},
	{"trend", (*Pipeline).checkTrend},
	{"correlation", (*Pipeline).checkCorrelation},
	{"concentration", (*Pipeline).checkConcentration},
	{"spread", (*Pipeline).checkSpread},
	{"time_of_day", (*Pipeline).checkTimeOfDay},
	{"volume_spike", (*Pipeline).checkVolumeSpike},
}

// Evaluate runs the chain and returns the first non-Pass result.
func (p *Pipeline) Evaluate(e Entry) Result {
	for _, f := range chain {
		if r := f.fn(p, e); r.Verdict != Pass {
			r.Filter = f.name
			p.logger.Debug().
				Str("symbol", e.Symbol).
				Str("filter", r.Filter).
				Str("verdict", r.Verdict.String()).
				Str("reason", r.Reason).
				Msg("entry rejected")
			return r
		}
	}
	return pass()
}

func (p *Pipeline) checkCooldown(e Entry) Result {
	if p.cooldowns == nil {
		return pass()
	}
	if remaining := p.cooldowns.Remaining(e.Symbol); remaining > 0 {
		return skip("", "cooldown active for %s", remaining.Round(time.Second))
	}
	return pass()
}

func (p *Pipeline) checkPositionCap(e Entry) Result {
	if e.MaxPositions <= 0 {
		return pass()
	}
	if len(e.Positions) >= e.MaxPositions {
		return skip("", "position cap reached (%d/%d)", len(e.Positions), e.MaxPositions)
	}
	return pass()
}

func (p *Pipeline) checkSentiment(e Entry) Result {
	if p.providers.Sentiment == nil || e.Bias == 0 {
		return pass()
	}
	score, ok := p.providers.Sentiment.Sentiment(e.Symbol)
	if !ok {
		return pass()
	}
	if (e.Bias > 0 && score < 0) || (e.Bias < 0 && score > 0) {
		return skip("", "sentiment %.2f against profile bias", score)
	}
	return pass()
}

func (p *Pipeline) checkBreadth(e Entry) Result {
	if p.providers.Breadth == nil {
		return pass()
	}
	healthy, ok := p.providers.Breadth.BreadthHealthy()
	if ok && !healthy {
		return skip("", "market breadth unhealthy")
	}
	return pass()
}

func (p *Pipeline) checkMLScore(e Entry) Result {
	if !p.features.MLScoring || p.providers.ML == nil {
		return pass()
	}
	score, ok := p.providers.ML.EntryScore(e.Symbol)
	if ok && score < p.cfg.MLScoreThreshold {
		return skip("", "ml score %.2f below %.2f", score, p.cfg.MLScoreThreshold)
	}
	return pass()
}

func (p *Pipeline) checkVolumeProfile(e Entry) Result {
	if !p.features.VolumeProfile || p.providers.VolumeProfile == nil {
		return pass()
	}
	near, ok := p.providers.VolumeProfile.NearSupport(e.Symbol, e.Price)
	if ok && !near && p.cfg.VolumeProfileStrictMode {
		return skip("", "price not near volume-profile support")
	}
	return pass()
}

func (p *Pipeline) checkWinProbability(e Entry) Result {
	if !p.features.MLScoring || p.providers.ML == nil {
		return pass()
	}
	prob, ok := p.providers.ML.WinProbability(e.Symbol)
	if ok && prob < p.cfg.MinWinProbability {
		return skip("", "win probability %.2f below %.2f", prob, p.cfg.MinWinProbability)
	}
	return pass()
}

func (p *Pipeline) checkAnomaly(e Entry) Result {
	if p.providers.Anomaly == nil {
		return pass()
	}
	if action := p.providers.Anomaly.Action(); action == AnomalyHalt {
		return halt("", "anomaly detector requested halt")
	}
	return pass()
}

// checkTrend applies the regime-appropriate entry conditions: trend
// confirmation in bull regimes, oversold dip in range, confirmed reversal in
// bear regimes.
func (p *Pipeline) checkTrend(e Entry) Result {
	if e.Ind == nil {
		return pass()
	}
	if e.Ind.RSI.HasEnoughData() && e.Ind.RSI.Value() > p.cfg.RSIEntryMax {
		return skip("", "rsi %.1f above entry max %.1f", e.Ind.RSI.Value(), p.cfg.RSIEntryMax)
	}

	switch e.Regime {
	case regime.StrongBull, regime.WeakBull:
		if e.Ind.EMAs.Ready() && !e.Ind.EMAs.Bullish() && e.Ind.MACD.Ready() && !e.Ind.MACD.Bullish() {
			return skip("", "no trend confirmation in bull regime")
		}
		if e.DayChangePct < -0.03 {
			return skip("", "day change %.1f%% too weak for bull regime", e.DayChangePct*100)
		}
	case regime.Range, regime.HighVol:
		// Buy the lower half of the daily range only.
		if e.RangePosition > 0.5 {
			return skip("", "range position %.2f above midpoint", e.RangePosition)
		}
	case regime.StrongBear, regime.WeakBear:
		if e.Ind.Momentum.Ready() && e.Ind.Momentum.Value() < 0 {
			return skip("", "momentum still negative in bear regime")
		}
	}
	return pass()
}

func (p *Pipeline) checkCorrelation(e Entry) Result {
	if p.providers.Correlation == nil {
		return pass()
	}
	group := p.providers.Correlation.Group(e.Symbol)
	inGroup := 0
	for _, pos := range e.Positions {
		if corr := p.providers.Correlation.Correlation(e.Symbol, pos.Symbol); corr > p.cfg.MaxCorrelation {
			return skip("", "correlation %.2f with held %s above %.2f", corr, pos.Symbol, p.cfg.MaxCorrelation)
		}
		if group != "" && p.providers.Correlation.Group(pos.Symbol) == group {
			inGroup++
		}
	}
	if group != "" && inGroup >= p.cfg.MaxGroupPositions {
		return skip("", "group %s already holds %d positions", group, inGroup)
	}
	return pass()
}

func (p *Pipeline) checkConcentration(e Entry) Result {
	if e.Equity < p.cfg.MinEquityForCaps || e.IntendedValue <= 0 {
		return pass()
	}
	symbolValue := e.IntendedValue
	groupValue := e.IntendedValue
	var group string
	if p.providers.Correlation != nil {
		group = p.providers.Correlation.Group(e.Symbol)
	}
	for _, pos := range e.Positions {
		// Entry price approximates current value; good enough for a cap.
		value := pos.Qty * pos.EntryPrice
		if pos.Symbol == e.Symbol {
			value = pos.Qty * e.Price
			symbolValue += value
		}
		if group != "" && p.providers.Correlation.Group(pos.Symbol) == group {
			groupValue += value
		}
	}
	if symbolValue > e.Equity*p.cfg.SingleSymbolCapPct {
		return skip("", "single-symbol exposure %.0f above %.0f%% of equity",
			symbolValue, p.cfg.SingleSymbolCapPct*100)
	}
	if group != "" && groupValue > e.Equity*p.cfg.GroupCapPct {
		return skip("", "group %s exposure %.0f above %.0f%% of equity",
			group, groupValue, p.cfg.GroupCapPct*100)
	}
	return pass()
}

func (p *Pipeline) checkSpread(e Entry) Result {
	if e.Bid <= 0 || e.Ask <= e.Bid {
		return pass()
	}
	spread := (e.Ask - e.Bid) / e.Bid
	if spread > p.cfg.MaxSpreadPct {
		return skip("", "spread %.2f%% above %.2f%%", spread*100, p.cfg.MaxSpreadPct*100)
	}
	return pass()
}

func (p *Pipeline) checkTimeOfDay(e Entry) Result {
	if e.Now.IsZero() {
		return pass()
	}
	if e.IsCrypto {
		hour := e.Now.UTC().Hour()
		if hour >= p.cfg.CryptoQuietStartUTC && hour < p.cfg.CryptoQuietEndUTC {
			return skip("", "low-liquidity window (%02d:00 UTC)", hour)
		}
		return pass()
	}

	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return pass()
	}
	local := e.Now.In(et)
	minutes := local.Hour()*60 + local.Minute()
	if p.features.AvoidFirst15Min && minutes >= 9*60+30 && minutes < 9*60+45 {
		return skip("", "first 15 minutes after open")
	}
	if p.features.AvoidLast30Min && minutes >= 15*60+30 && minutes < 16*60 {
		return skip("", "last 30 minutes before close")
	}
	return pass()
}

func (p *Pipeline) checkVolumeSpike(e Entry) Result {
	if e.AvgVolume <= 0 || e.Volume24h <= 0 {
		return pass()
	}
	if e.Volume24h > e.AvgVolume*p.cfg.VolumeSpikeMultiplier {
		// A spike on an oversold reading is capitulation, not distribution.
		if e.Ind != nil && e.Ind.RSI.Oversold() {
			return pass()
		}
		return skip("", "volume spike %.1fx average", e.Volume24h/e.AvgVolume)
	}
	return pass()
}
