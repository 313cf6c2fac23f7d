package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/exits"
	"multi-asset-trading-bot/internal/filters"
	"multi-asset-trading-bot/internal/regime"
	"multi-asset-trading-bot/internal/sizing"
	"multi-asset-trading-bot/internal/state"
	"multi-asset-trading-bot/internal/strategy"
)

// RoleMain marks the one profile allowed to send exit orders for shared
// broker positions. This is a protocol invariant, not a lock: the broker
// account is shared, so a second exit sender would double-sell.
const RoleMain = "main"

const defaultCycleInterval = 10 * time.Second

// pdtMinEquityUSD is the regulatory minimum below which an account is subject
// to the pattern-day-trader rule.
const pdtMinEquityUSD = 25000

// ProfileRunner runs one strategy profile in its own goroutine. It owns its
// PositionBook (single writer) and a cooldown table scoped to the profile.
type ProfileRunner struct {
	cfg       config.ProfileConfig
	deps      *Services
	book      *book.Book
	cooldowns *state.Cooldowns
	pipeline  *filters.Pipeline
	paused    atomic.Bool
	logger    zerolog.Logger
}

// NewProfileRunner builds a runner with its own book, cooldowns, and filter
// pipeline. The pipeline binds to this profile's cooldown table so one
// profile's stop-loss cooldown does not block another's entries.
func NewProfileRunner(cfg config.ProfileConfig, deps *Services) *ProfileRunner {
	logger := deps.Logger.With().Str("component", "profile").Str("profile", cfg.ID).Logger()
	cooldowns := state.NewCooldowns()
	return &ProfileRunner{
		cfg:       cfg,
		deps:      deps,
		book:      book.New(),
		cooldowns: cooldowns,
		pipeline:  filters.NewPipeline(deps.Cfg.Filters, deps.Cfg.Features, cooldowns, deps.Providers, logger),
		logger:    logger,
	}
}

// ID returns the profile id.
func (r *ProfileRunner) ID() string { return r.cfg.ID }

// IsMain reports whether this runner is the sole exit executor.
func (r *ProfileRunner) IsMain() bool { return r.cfg.Role == RoleMain }

// Pause stops trading activity without stopping the loop.
func (r *ProfileRunner) Pause()  { r.paused.Store(true) }
func (r *ProfileRunner) Resume() { r.paused.Store(false) }
func (r *ProfileRunner) Paused() bool { return r.paused.Load() }

// Book exposes a snapshot view for telemetry.
func (r *ProfileRunner) Book() *book.Book { return r.book }

// Run is the cycle loop. It returns when ctx is cancelled.
func (r *ProfileRunner) Run(ctx context.Context) {
	interval := r.cfg.CycleInterval
	if interval <= 0 {
		interval = defaultCycleInterval
	}

	r.seedIndicators(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", interval).Str("role", r.cfg.Role).Msg("Profile runner started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Profile runner stopped")
			return
		case <-ticker.C:
			r.deps.Heartbeats.Beat("profile_" + r.cfg.ID)
			r.cooldowns.Sweep()
			if r.paused.Load() {
				continue
			}
			if err := r.runCycle(ctx); err != nil {
				r.deps.ReportCycleFailure(ctx, "profile_"+r.cfg.ID, err)
			}
		}
	}
}

func (r *ProfileRunner) seedIndicators(ctx context.Context) {
	for _, symbol := range r.universe() {
		bars, err := r.deps.Equity.GetMarketHistory(ctx, symbol, 30)
		if err != nil {
			r.logger.Warn().Err(err).Str("symbol", symbol).Msg("Indicator seed failed")
			continue
		}
		r.deps.Indicators.Seed(symbol, bars)
	}
}

func (r *ProfileRunner) universe() []string {
	reg, _ := r.deps.Regime.Current()
	if reg.Bearish() {
		return r.cfg.BearishSymbols
	}
	return r.cfg.BullishSymbols
}

func (r *ProfileRunner) bias() int {
	reg, _ := r.deps.Regime.Current()
	if reg.Bearish() {
		return -1
	}
	return 1
}

func (r *ProfileRunner) runCycle(ctx context.Context) error {
	reg := r.deps.RefreshRegime(ctx)

	acct, err := r.deps.Equity.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account fetch: %w", err)
	}
	r.deps.Bus.Publish(events.TagAccount, map[string]interface{}{
		"equity":       acct.Equity,
		"buying_power": acct.BuyingPower,
		"cash":         acct.Cash,
	})

	dayPnLPct := 0.0
	if acct.LastEquity > 0 {
		dayPnLPct = (acct.Equity - acct.LastEquity) / acct.LastEquity
	}
	if r.deps.Cfg.Features.PortfolioStopLoss &&
		r.deps.Cfg.Trading.PortfolioStopLossPct > 0 &&
		dayPnLPct <= -r.deps.Cfg.Trading.PortfolioStopLossPct {
		r.deps.Bus.Activity(events.LevelWarn,
			fmt.Sprintf("Portfolio stop-loss hit (%.2f%%), cycle aborted", dayPnLPct*100), nil)
		return nil
	}
	dailyTargetMet := r.deps.Cfg.Features.DailyProfitTarget &&
		r.deps.Cfg.Trading.DailyProfitTargetPct > 0 &&
		dayPnLPct >= r.deps.Cfg.Trading.DailyProfitTargetPct
	if dailyTargetMet {
		r.deps.Bus.Publish(events.TagProfitTargets, map[string]interface{}{
			"profile":       r.cfg.ID,
			"day_pnl_pct":   dayPnLPct,
			"target_pct":    r.deps.Cfg.Trading.DailyProfitTargetPct,
			"sizing_halved": true,
		})
	}

	positions, err := r.deps.Equity.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("position fetch: %w", err)
	}
	r.publishPositions(positions)

	marketOpen, err := r.deps.Equity.IsMarketOpen(ctx)
	if err != nil {
		marketOpen = false
	}

	exited := r.runExits(ctx, positions, marketOpen)

	if r.IsMain() {
		r.cleanupOverCap(ctx, positions, exited)
	}

	r.runEntries(ctx, reg, acct, positions, dailyTargetMet, marketOpen)

	r.deps.Bus.Publish(events.TagProcessingStatus, map[string]interface{}{
		"profile":   r.cfg.ID,
		"regime":    string(reg),
		"positions": r.book.Len(),
	})
	return nil
}

func (r *ProfileRunner) publishPositions(positions []broker.Position) {
	payload := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		payload = append(payload, map[string]interface{}{
			"symbol":         p.Symbol,
			"quantity":       p.Quantity,
			"entry_price":    p.EntryPrice,
			"current_price":  p.CurrentPrice,
			"unrealized_pnl": p.UnrealizedPnL,
		})
	}
	r.deps.Bus.Publish(events.TagPositions, map[string]interface{}{"positions": payload})
}

// runExits evaluates every broker position. Only the main profile executes
// the resulting orders; the others evaluate read-only so their telemetry
// still reflects what would happen. Returns the symbols fully exited.
func (r *ProfileRunner) runExits(ctx context.Context, positions []broker.Position, marketOpen bool) map[string]bool {
	exited := make(map[string]bool)
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		symbol := pos.Symbol
		price := pos.CurrentPrice
		if bar, err := r.deps.Equity.GetLatestBar(ctx, symbol); err == nil {
			r.deps.Indicators.For(symbol).UpdateBar(*bar)
			if price <= 0 {
				price = bar.Close
			}
		}
		if price <= 0 {
			continue
		}

		tracked, ok := r.book.Get(symbol)
		if !ok {
			// Adopted from the broker: entry price is authoritative there.
			tracked = book.Position{
				Symbol:     symbol,
				Qty:        pos.Quantity,
				EntryPrice: pos.EntryPrice,
				EntryTime:  time.Now(),
				Profile:    r.cfg.ID,
				StopLoss:   pos.EntryPrice * (1 - r.cfg.StopLossPct),
				TakeProfit: pos.EntryPrice * (1 + r.cfg.TakeProfitPct),
			}
			r.book.Set(tracked)
		}

		if r.evaluateAndExecuteExits(ctx, symbol, price, marketOpen) {
			exited[symbol] = true
		}
	}
	return exited
}

// evaluateAndExecuteExits drains decisions for one symbol until no rule
// fires, re-reading the book after each applied partial. Reports full exit.
func (r *ProfileRunner) evaluateAndExecuteExits(ctx context.Context, symbol string, price float64, marketOpen bool) bool {
	ind := r.deps.Indicators.For(symbol)
	for i := 0; i < 10; i++ {
		pos, ok := r.book.Get(symbol)
		if !ok {
			return true
		}
		in := exits.Inputs{
			Pos:           pos,
			Price:         price,
			IsCrypto:      false,
			Now:           time.Now(),
			RSI:           ind.RSI.Value(),
			RSIOK:         ind.RSI.HasEnoughData(),
			MomentumSpike: ind.Momentum.Value(),
			TakeProfitPct: r.cfg.TakeProfitPct,
			StopLossPct:   r.cfg.StopLossPct,
			TrailingPct:   r.cfg.TrailingPct,
			MaxHold:       r.cfg.MaxHold,
			MarketOpen:    marketOpen,
		}
		d := r.deps.Exits.Evaluate(in)
		if d.Kind == exits.None {
			exits.Observe(r.book, symbol, price)
			return false
		}

		if !r.IsMain() {
			// Read-only profile: log the intent, never send the order.
			r.logger.Debug().Str("symbol", symbol).Str("rule", d.Rule).
				Msg("Exit signal observed (non-main profile, not executing)")
			return false
		}

		switch d.Kind {
		case exits.FullExit:
			if err := r.sellMarket(ctx, symbol, pos.Qty, d.Reason); err != nil {
				r.logger.Error().Err(err).Str("symbol", symbol).Msg("Exit order failed")
				return false
			}
			pnl := pos.PnL(price)
			r.book.Remove(symbol)
			if d.IsStopLoss && r.deps.Cfg.Features.StopLossCooldown {
				r.cooldowns.Set(symbol, r.deps.Cfg.CryptoLoop.CooldownAfterStopLoss)
			}
			r.deps.RecordExit(ctx, symbol, time.Now(), price, pnl)
			r.publishTrade(symbol, "sell", pos.Qty, price, d.Reason)
			return true
		case exits.PartialExit:
			if err := r.sellMarket(ctx, symbol, d.Qty, d.Reason); err != nil {
				r.logger.Error().Err(err).Str("symbol", symbol).Msg("Partial exit failed")
				return false
			}
			r.book.ReduceQty(symbol, d.Qty, 1e-9)
			exits.Apply(r.book, symbol, d, price)
			r.publishTrade(symbol, "sell", d.Qty, price, d.Reason)
			if !r.book.Has(symbol) {
				return true
			}
		default:
			exits.Apply(r.book, symbol, d, price)
		}
	}
	return false
}

// cleanupOverCap exits the worst performers until the broker position count
// fits the cap again.
func (r *ProfileRunner) cleanupOverCap(ctx context.Context, positions []broker.Position, exited map[string]bool) {
	maxPos := r.cfg.MaxPositions
	if maxPos <= 0 {
		maxPos = r.deps.Cfg.Trading.MaxPositions
	}
	if maxPos <= 0 {
		return
	}

	open := positions[:0:0]
	for _, p := range positions {
		if p.Quantity != 0 && !exited[p.Symbol] {
			open = append(open, p)
		}
	}
	if len(open) <= maxPos {
		return
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].UnrealizedPnL < open[j].UnrealizedPnL
	})
	for _, p := range open[:len(open)-maxPos] {
		if err := r.sellMarket(ctx, p.Symbol, absFloat(p.Quantity), "over position cap"); err != nil {
			r.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Cleanup exit failed")
			continue
		}
		r.book.Remove(p.Symbol)
		r.deps.RecordExit(ctx, p.Symbol, time.Now(), p.CurrentPrice, p.UnrealizedPnL)
		r.publishTrade(p.Symbol, "sell", absFloat(p.Quantity), p.CurrentPrice, "over position cap")
	}
}

func (r *ProfileRunner) runEntries(ctx context.Context, reg regime.Regime, acct *broker.Account, positions []broker.Position, dailyTargetMet, marketOpen bool) {
	if !marketOpen {
		return
	}
	if r.pdtBlocked(acct.Equity) {
		r.logger.Debug().Float64("equity", acct.Equity).
			Msg("PDT protection active, skipping new entries")
		return
	}
	class := strategy.ClassStandard
	if r.cfg.StrategyClass == "momentum" {
		class = strategy.ClassMomentum
	}
	held := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	// The strategy cycle covers targets plus anything already held, so a
	// Sell signal on a held symbol still reaches the exit path.
	symbols := append([]string(nil), r.universe()...)
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for _, p := range positions {
		if p.Quantity != 0 && !seen[p.Symbol] {
			symbols = append(symbols, p.Symbol)
			seen[p.Symbol] = true
		}
	}

	for _, symbol := range symbols {
		bar, err := r.deps.Equity.GetLatestBar(ctx, symbol)
		if err != nil || bar.Close <= 0 {
			continue
		}
		r.deps.Indicators.For(symbol).UpdateBar(*bar)

		pos, holding := held[symbol]
		qty := 0.0
		if holding {
			qty = absFloat(pos.Quantity)
		}

		sig := r.deps.Dispatcher.Evaluate(reg, class, r.deps.StrategyInput(symbol, bar.Close, qty))
		if holding || r.book.Has(symbol) {
			if sig.Action == strategy.Sell {
				r.executeStrategySell(ctx, symbol, qty, bar.Close, sig.Reason)
			}
			continue
		}
		if sig.Action != strategy.Buy {
			continue
		}

		perf := r.deps.Perf.For(symbol)
		intended := acct.Equity * r.cfg.CapitalFraction
		snapshot := r.book.Snapshot()
		res := r.pipeline.Evaluate(filters.Entry{
			Symbol:        symbol,
			IsCrypto:      false,
			Price:         bar.Close,
			IntendedValue: intended,
			Bias:          r.bias(),
			MaxPositions:  r.cfg.MaxPositions,
			Regime:        reg,
			Ind:           r.deps.Indicators.For(symbol),
			Positions:     snapshot,
			Equity:        acct.Equity,
			Volume24h:     bar.Volume,
			AvgVolume:     r.deps.Indicators.For(symbol).Volume.Average(),
			Now:           time.Now(),
		})
		switch res.Verdict {
		case filters.Halt:
			r.deps.Bus.Activity(events.LevelWarn, "Entry pipeline halted cycle: "+res.Reason, nil)
			return
		case filters.Skip:
			continue
		}

		mlConf, maxCorr, anomaly := r.deps.SizingAdjustments(symbol, snapshot)
		qty = r.deps.Sizer.Quantity(sizing.Request{
			Symbol:         symbol,
			IsCrypto:       false,
			EntryPrice:     bar.Close,
			Equity:         acct.Equity * r.cfg.CapitalFraction,
			BuyingPower:    acct.BuyingPower,
			WinRate:        perf.WinRate(),
			ExpectedR:      1.0,
			VIX:            r.deps.Regime.LastVIX(),
			Regime:         reg,
			MLConfidence:   mlConf,
			MaxCorrelation: maxCorr,
			Anomaly:        anomaly,
			DailyTargetMet: dailyTargetMet,
		})
		if qty <= 0 {
			continue
		}

		if err := r.placeEntry(ctx, symbol, qty, bar.Close, sig.Reason); err != nil {
			r.logger.Error().Err(err).Str("symbol", symbol).Msg("Entry failed")
		}
	}
}

// pdtBlocked reports whether pattern-day-trader protection vetoes new equity
// entries: an account under the PDT minimum cannot day trade, and with the
// EOD flatten configured every new entry would round-trip the same day.
func (r *ProfileRunner) pdtBlocked(equity float64) bool {
	return r.deps.Cfg.Features.PDTProtection &&
		equity < pdtMinEquityUSD &&
		r.deps.Cfg.Exits.EODExitTimeET != ""
}

// executeStrategySell routes a strategy Sell on a held symbol through the
// shared-position exit rules: main profile only, min-hold enforced.
func (r *ProfileRunner) executeStrategySell(ctx context.Context, symbol string, qty, price float64, reason string) {
	if !r.IsMain() {
		r.logger.Debug().Str("symbol", symbol).Str("reason", reason).
			Msg("Sell signal observed (non-main profile, not executing)")
		return
	}
	if pos, ok := r.book.Get(symbol); ok {
		if pos.Age(time.Now()) < r.cfg.MinHold {
			return
		}
		if qty <= 0 {
			qty = pos.Qty
		}
	}
	if qty <= 0 {
		return
	}
	if err := r.sellMarket(ctx, symbol, qty, reason); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Strategy sell failed")
		return
	}
	var pnl float64
	if pos, ok := r.book.Get(symbol); ok {
		pnl = pos.PnL(price)
	}
	r.book.Remove(symbol)
	r.deps.RecordExit(ctx, symbol, time.Now(), price, pnl)
	r.publishTrade(symbol, "sell", qty, price, reason)
}

// placeEntry sends a bracket order, falling back to a plain market order
// when the bracket is rejected. InsufficientFunds is never retried.
func (r *ProfileRunner) placeEntry(ctx context.Context, symbol string, qty, price float64, reason string) error {
	stop := price * (1 - r.cfg.StopLossPct)
	target := price * (1 + r.cfg.TakeProfitPct)

	if r.deps.Cfg.Trading.DryRun {
		r.logger.Info().Str("symbol", symbol).Float64("qty", qty).
			Float64("price", price).Msg("DRY RUN: skipping bracket order")
		return nil
	}

	intent := broker.OrderIntent{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Quantity: qty,
		Type:     broker.OrderMarket,
		Bracket:  &broker.Bracket{TakeProfit: target, StopLoss: stop},
	}
	order, err := r.deps.Equity.PlaceBracket(ctx, intent)
	if err != nil {
		if broker.IsKind(err, broker.KindInsufficientFunds) {
			r.deps.Bus.Activity(events.LevelWarn, "Entry aborted, insufficient funds: "+symbol, nil)
			return err
		}
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("Bracket rejected, falling back to market")
		intent.Bracket = nil
		order, err = r.deps.Equity.PlaceOrder(ctx, intent)
		if err != nil {
			return err
		}
	}

	pos := book.Position{
		Symbol:     symbol,
		Qty:        qty,
		EntryPrice: price,
		EntryTime:  time.Now(),
		Strategy:   reason,
		Profile:    r.cfg.ID,
		StopLoss:   stop,
		TakeProfit: target,
	}
	r.book.Set(pos)
	r.deps.RecordEntry(ctx, pos)
	r.publishTrade(symbol, "buy", qty, price, reason)
	r.deps.Bus.Publish(events.TagOrderUpdate, map[string]interface{}{
		"order_id": order.ID,
		"symbol":   symbol,
		"side":     "buy",
		"status":   order.Status,
	})
	return nil
}

func (r *ProfileRunner) sellMarket(ctx context.Context, symbol string, qty float64, reason string) error {
	if r.deps.Cfg.Trading.DryRun {
		r.logger.Info().Str("symbol", symbol).Float64("qty", qty).
			Str("reason", reason).Msg("DRY RUN: skipping sell order")
		return nil
	}
	r.cancelResting(ctx, symbol)
	_, err := r.deps.Equity.PlaceOrder(ctx, broker.OrderIntent{
		Symbol:   symbol,
		Side:     broker.SideSell,
		Quantity: qty,
		Type:     broker.OrderMarket,
	})
	return err
}

// cancelResting clears live orders for the symbol, notably the TP/SL legs a
// bracket entry left at the broker; a leg that fills after the market sell
// would drive the account short. Already-gone orders count as cancelled.
func (r *ProfileRunner) cancelResting(ctx context.Context, symbol string) {
	orders, err := r.deps.Equity.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("Open order lookup failed before sell")
		return
	}
	for _, o := range orders {
		err := r.deps.Equity.CancelOrder(ctx, o.ID)
		if err != nil && !broker.IsKind(err, broker.KindConflict) && !broker.IsKind(err, broker.KindNotFound) {
			r.logger.Warn().Err(err).Str("symbol", symbol).
				Str("order_id", o.ID).Msg("Resting order cancel failed before sell")
		}
	}
}

func (r *ProfileRunner) publishTrade(symbol, side string, qty, price float64, reason string) {
	r.deps.Bus.Publish(events.TagTradeEvent, map[string]interface{}{
		"profile": r.cfg.ID,
		"symbol":  symbol,
		"side":    side,
		"qty":     qty,
		"price":   price,
		"reason":  reason,
	})
}
