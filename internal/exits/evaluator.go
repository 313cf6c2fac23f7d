package exits

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
)

// Kind is what the winning rule wants done.
type Kind int

const (
	None Kind = iota
	FullExit
	PartialExit
	RaiseStop
	ActivateTrailing
)

func (k Kind) String() string {
	switch k {
	case FullExit:
		return "FULL_EXIT"
	case PartialExit:
		return "PARTIAL_EXIT"
	case RaiseStop:
		return "RAISE_STOP"
	case ActivateTrailing:
		return "ACTIVATE_TRAILING"
	default:
		return "NONE"
	}
}

// Decision is the evaluator's verdict for one position at one price.
type Decision struct {
	Rule     string
	Kind     Kind
	Qty      float64 // quantity to sell for PartialExit
	Fraction float64 // fraction of the remaining position for PartialExit
	NewStop  float64 // for RaiseStop
	Reason   string

	// IsStopLoss asks the caller to start the post-stop-loss cooldown.
	IsStopLoss bool
}

func none() Decision { return Decision{Kind: None} }

// pnlEpsilon absorbs float error in threshold comparisons so rules fire at
// their exact documented levels (+0.6% computed from prices is 0.005999...).
const pnlEpsilon = 1e-9

// HealthScorer is the optional composite position-health input.
type HealthScorer interface {
	HealthScore(symbol string) (float64, bool)
}

// Inputs is the full snapshot one evaluation reads. The evaluator never
// mutates it, so calling Evaluate twice on the same Inputs returns the same
// Decision.
type Inputs struct {
	Pos      book.Position
	Price    float64
	IsCrypto bool
	Now      time.Time

	RSI   float64
	RSIOK bool

	// MomentumSpike is the short-window move that feeds the acceleration
	// exit; 0 when unavailable.
	MomentumSpike float64

	Health   float64
	HealthOK bool

	// Per-profile parameters.
	TakeProfitPct float64
	StopLossPct   float64
	TrailingPct   float64
	MaxHold       time.Duration

	// MarketClosesSoon short-circuits the EOD check when the caller already
	// knows the market is closed.
	MarketOpen bool
}

// Evaluator walks the exit rules in order; the first matching rule wins.
type Evaluator struct {
	cfg      config.ExitConfig
	features config.FeatureFlags
	et       *time.Location
	logger   zerolog.Logger
}

// New creates an evaluator. The ET location load falls back to UTC, which
// disables the EOD rule rather than firing it at the wrong hour.
func New(cfg config.ExitConfig, features config.FeatureFlags, logger zerolog.Logger) *Evaluator {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		et = nil
	}
	return &Evaluator{
		cfg:      cfg,
		features: features,
		et:       et,
		logger:   logger.With().Str("component", "exit_evaluator").Logger(),
	}
}

// Evaluate runs the ordered rules and returns the first match.
func (e *Evaluator) Evaluate(in Inputs) Decision {
	if in.Pos.Qty <= 0 || in.Price <= 0 {
		return none()
	}

	rules := []func(Inputs) Decision{
		e.stopLoss,
		e.breakEven,
		e.partialLadder,
		e.trailingTakeProfit,
		e.fixedTakeProfit,
		e.rsiOverbought,
		e.momentumAcceleration,
		e.healthScore,
		e.timeDecay,
		e.endOfDay,
		e.trailingStop,
	}
	for _, rule := range rules {
		if d := rule(in); d.Kind != None {
			e.logger.Debug().
				Str("symbol", in.Pos.Symbol).
				Str("rule", d.Rule).
				Str("kind", d.Kind.String()).
				Str("reason", d.Reason).
				Msg("exit decision")
			return d
		}
	}
	return none()
}

// Rule 1: hard stop, full market exit plus cooldown.
func (e *Evaluator) stopLoss(in Inputs) Decision {
	pnl := in.Pos.PnLPct(in.Price)
	sl := in.StopLossPct
	if e.features.MaxLossExit && e.cfg.MaxLossPct > 0 && e.cfg.MaxLossPct < sl {
		sl = e.cfg.MaxLossPct
	}
	if sl <= 0 {
		return none()
	}
	if pnl <= -sl {
		return Decision{
			Rule:       "stop_loss",
			Kind:       FullExit,
			Reason:     fmt.Sprintf("pnl %.2f%% breached -%.2f%%", pnl*100, sl*100),
			IsStopLoss: true,
		}
	}
	// An explicitly ratcheted stop level also triggers here.
	if in.Pos.StopLoss > 0 && in.Price <= in.Pos.StopLoss {
		return Decision{
			Rule:       "stop_loss",
			Kind:       FullExit,
			Reason:     fmt.Sprintf("price %.4f at ratcheted stop %.4f", in.Price, in.Pos.StopLoss),
			IsStopLoss: pnl < 0,
		}
	}
	return none()
}

// Rule 2: once modestly green, move the stop to entry plus a fee buffer.
func (e *Evaluator) breakEven(in Inputs) Decision {
	if !e.features.BreakEven {
		return none()
	}
	pnl := in.Pos.PnLPct(in.Price)
	if pnl <= e.cfg.BreakEvenTriggerPct {
		return none()
	}
	floor := in.Pos.EntryPrice * (1 + e.cfg.BreakEvenOffsetPct)
	if in.Pos.StopLoss >= floor {
		return none()
	}
	return Decision{
		Rule:    "break_even",
		Kind:    RaiseStop,
		NewStop: floor,
		Reason:  fmt.Sprintf("pnl %.2f%% secured at break-even", pnl*100),
	}
}

// Rule 3: crypto partial-exit ladder; each level fires at most once.
func (e *Evaluator) partialLadder(in Inputs) Decision {
	if !in.IsCrypto {
		return none()
	}
	level := in.Pos.PartialLevel
	if level >= len(e.cfg.PartialLevelThresholds) {
		return none()
	}
	pnl := in.Pos.PnLPct(in.Price)
	if pnl < e.cfg.PartialLevelThresholds[level]-pnlEpsilon {
		return none()
	}
	fraction := e.cfg.PartialLevelFractions[level]
	return Decision{
		Rule:     "partial_ladder",
		Kind:     PartialExit,
		Qty:      in.Pos.Qty * fraction,
		Fraction: fraction,
		Reason:   fmt.Sprintf("level %d at +%.2f%%, selling %.0f%% of remaining", level+1, pnl*100, fraction*100),
	}
}

// Rule 4: crypto trailing take-profit with activation, trail, and hard cap.
func (e *Evaluator) trailingTakeProfit(in Inputs) Decision {
	if !in.IsCrypto || !e.features.TrailingTargets {
		return none()
	}
	pnl := in.Pos.PnLPct(in.Price)

	if !in.Pos.TrailingActive {
		if pnl >= e.cfg.TrailingActivationPct-pnlEpsilon {
			return Decision{
				Rule:   "trailing_tp",
				Kind:   ActivateTrailing,
				Reason: fmt.Sprintf("activated at +%.2f%%", pnl*100),
			}
		}
		return none()
	}

	high := in.Pos.HighWater
	if in.Price > high {
		high = in.Price
	}
	if pnl >= e.cfg.TrailingCapPct-pnlEpsilon {
		return Decision{
			Rule:   "trailing_tp",
			Kind:   FullExit,
			Reason: fmt.Sprintf("hard cap +%.1f%% reached", e.cfg.TrailingCapPct*100),
		}
	}
	trailPrice := high * (1 - e.cfg.TrailingTrailPct)
	if in.Price <= trailPrice {
		return Decision{
			Rule: "trailing_tp",
			Kind: FullExit,
			Reason: fmt.Sprintf("retraced %.2f%% from high %.4f",
				(high-in.Price)/high*100, high),
		}
	}
	return none()
}

// Rule 5: fixed take-profit for equities.
func (e *Evaluator) fixedTakeProfit(in Inputs) Decision {
	if in.IsCrypto || in.TakeProfitPct <= 0 {
		return none()
	}
	pnl := in.Pos.PnLPct(in.Price)
	if pnl >= in.TakeProfitPct {
		return Decision{
			Rule:   "take_profit",
			Kind:   FullExit,
			Reason: fmt.Sprintf("pnl %.2f%% at target %.2f%%", pnl*100, in.TakeProfitPct*100),
		}
	}
	return none()
}

// Rule 6: overbought RSI exit, but only when profit covers round-trip fees.
func (e *Evaluator) rsiOverbought(in Inputs) Decision {
	if !in.RSIOK {
		return none()
	}
	pnl := in.Pos.PnLPct(in.Price)
	if in.RSI > e.cfg.RSIExitThreshold && pnl > e.cfg.RSIExitMinProfitPct {
		return Decision{
			Rule:   "rsi_exit",
			Kind:   FullExit,
			Reason: fmt.Sprintf("rsi %.1f overbought at +%.2f%%", in.RSI, pnl*100),
		}
	}
	return none()
}

// Rule 7: a vertical spike takes partial profit into strength.
func (e *Evaluator) momentumAcceleration(in Inputs) Decision {
	if !e.features.MomentumAccelExit || in.MomentumSpike < e.cfg.MomentumSpikePct {
		return none()
	}
	if in.Pos.PnLPct(in.Price) <= 0 {
		return none()
	}
	return Decision{
		Rule:     "momentum_accel",
		Kind:     PartialExit,
		Qty:      in.Pos.Qty * e.cfg.MomentumExitFraction,
		Fraction: e.cfg.MomentumExitFraction,
		Reason:   fmt.Sprintf("spike %.2f%%, selling %.0f%%", in.MomentumSpike*100, e.cfg.MomentumExitFraction*100),
	}
}

// Rule 8: composite health below threshold.
func (e *Evaluator) healthScore(in Inputs) Decision {
	if !e.features.HealthScoring || !in.HealthOK {
		return none()
	}
	if in.Health < e.cfg.HealthScoreThreshold {
		return Decision{
			Rule:   "health_score",
			Kind:   FullExit,
			Reason: fmt.Sprintf("health %.2f below %.2f", in.Health, e.cfg.HealthScoreThreshold),
		}
	}
	return none()
}

// Rule 9: stale losers get cut after max hold.
func (e *Evaluator) timeDecay(in Inputs) Decision {
	if !e.features.TimeDecayExit || in.MaxHold <= 0 {
		return none()
	}
	if in.Pos.Age(in.Now) > in.MaxHold && in.Pos.PnLPct(in.Price) <= 0 {
		return Decision{
			Rule:   "time_decay",
			Kind:   FullExit,
			Reason: fmt.Sprintf("held %s with no gain", in.Pos.Age(in.Now).Round(time.Minute)),
		}
	}
	return none()
}

// Rule 10: flatten equities at the configured ET time.
func (e *Evaluator) endOfDay(in Inputs) Decision {
	if in.IsCrypto || !in.MarketOpen || e.et == nil || e.cfg.EODExitTimeET == "" {
		return none()
	}
	t, err := time.Parse("15:04", e.cfg.EODExitTimeET)
	if err != nil {
		return none()
	}
	local := in.Now.In(e.et)
	cutoff := local.Hour()*60 + local.Minute()
	eod := t.Hour()*60 + t.Minute()
	if cutoff >= eod && cutoff < 16*60 {
		return Decision{
			Rule:   "eod_exit",
			Kind:   FullExit,
			Reason: fmt.Sprintf("end-of-day flatten at %s ET", e.cfg.EODExitTimeET),
		}
	}
	return none()
}

// Rule 11: generic trailing stop from the best-seen price; only ratchets up.
func (e *Evaluator) trailingStop(in Inputs) Decision {
	if in.TrailingPct <= 0 {
		return none()
	}
	high := in.Pos.HighWater
	if in.Price > high {
		high = in.Price
	}
	if high <= in.Pos.EntryPrice {
		return none()
	}
	stop := high * (1 - in.TrailingPct)
	if in.Price <= stop {
		return Decision{
			Rule:   "trailing_stop",
			Kind:   FullExit,
			Reason: fmt.Sprintf("price %.4f under trail %.4f", in.Price, stop),
		}
	}
	if stop > in.Pos.StopLoss {
		return Decision{
			Rule:    "trailing_stop",
			Kind:    RaiseStop,
			NewStop: stop,
			Reason:  fmt.Sprintf("trail ratcheted to %.4f", stop),
		}
	}
	return none()
}

// Apply folds a decision's state changes into the book: stop ratchets,
// trailing activation, and ladder advancement. Order placement and the
// quantity decrement after a partial sell (Book.ReduceQty) stay with the
// owning loop.
func Apply(b *book.Book, symbol string, d Decision, price float64) {
	switch d.Kind {
	case RaiseStop:
		b.Update(symbol, func(p *book.Position) {
			if d.NewStop > p.StopLoss {
				p.StopLoss = d.NewStop
			}
		})
	case ActivateTrailing:
		b.Update(symbol, func(p *book.Position) {
			p.TrailingActive = true
			if price > p.HighWater {
				p.HighWater = price
			}
		})
	case PartialExit:
		if d.Rule == "partial_ladder" {
			b.Update(symbol, func(p *book.Position) {
				p.PartialLevel++
				p.PartialSold += d.Fraction
			})
		}
	}
}

// Observe ratchets the high-water mark for a tracked position. Loops call it
// once per tick before evaluating exits.
func Observe(b *book.Book, symbol string, price float64) {
	b.Update(symbol, func(p *book.Position) {
		if price > p.HighWater {
			p.HighWater = price
		}
	})
}
