package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/exits"
	"multi-asset-trading-bot/internal/filters"
	"multi-asset-trading-bot/internal/sizing"
	"multi-asset-trading-bot/internal/state"
	"multi-asset-trading-bot/internal/strategy"
)

const (
	// dustUSD is the notional below which a balance is not a position.
	dustUSD = 1.0

	// dynamicMaxCeiling caps the equity-derived position count.
	dynamicMaxCeiling = 10

	// entryLookback bounds how far back trade history counts toward a
	// reconstructed entry price.
	entryLookback = 24 * time.Hour

	// defaultCryptoStopPct is the stop distance for positions without one.
	defaultCryptoStopPct = 0.02
)

// CryptoLoop is the dedicated 24/7 crypto cycle: sync, exits, entries, grid.
// It is the single writer of its PositionBook.
type CryptoLoop struct {
	cfg       config.CryptoLoopConfig
	deps      *Services
	book      *book.Book
	cooldowns *state.Cooldowns
	pipeline  *filters.Pipeline
	logger    zerolog.Logger
}

// NewCryptoLoop builds the loop with its own book, cooldown table, and
// filter pipeline. The post-sell cooldowns here are separate from the
// per-profile equity cooldowns.
func NewCryptoLoop(cfg config.CryptoLoopConfig, deps *Services) *CryptoLoop {
	logger := deps.Logger.With().Str("component", "crypto_loop").Logger()
	cooldowns := state.NewCooldowns()
	return &CryptoLoop{
		cfg:       cfg,
		deps:      deps,
		book:      book.New(),
		cooldowns: cooldowns,
		pipeline:  filters.NewPipeline(deps.Cfg.Filters, deps.Cfg.Features, cooldowns, deps.Providers, logger),
		logger:    logger,
	}
}

// GridEntryGate vetoes grid ladders on symbols the loop already holds or has
// cooling down.
func (l *CryptoLoop) GridEntryGate(symbol string, notional float64) bool {
	return !l.book.Has(symbol) && !l.cooldowns.Active(symbol)
}

// Book exposes a snapshot view for telemetry.
func (l *CryptoLoop) Book() *book.Book { return l.book }

// Run is the cycle loop. It returns when ctx is cancelled.
func (l *CryptoLoop) Run(ctx context.Context) {
	interval := l.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	backoff := l.cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	l.restoreState(ctx)
	l.logger.Info().Dur("interval", interval).Int("watchlist", len(l.cfg.Watchlist)).Msg("Crypto loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Crypto loop stopped")
			return
		default:
		}

		started := time.Now()
		l.deps.Heartbeats.Beat("crypto_loop")
		l.cooldowns.Sweep()

		if err := l.runCycle(ctx); err != nil {
			l.deps.ReportCycleFailure(ctx, "crypto_loop", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		// Sleep whatever is left of the target interval.
		if remaining := interval - time.Since(started); remaining > 0 {
			if !sleepCtx(ctx, remaining) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// restoreState reloads persisted exit state for positions that survive a
// restart, so trailing high-water marks and partial ladders resume.
func (l *CryptoLoop) restoreState(ctx context.Context) {
	if l.deps.States == nil {
		return
	}
	for _, symbol := range l.cfg.Watchlist {
		if p, ok := l.deps.States.LoadPosition(ctx, symbol); ok {
			l.book.Set(p)
		}
		if until, ok := l.deps.States.LoadCooldown(ctx, symbol); ok {
			l.cooldowns.SetUntil(symbol, until)
		}
	}
}

func (l *CryptoLoop) runCycle(ctx context.Context) error {
	tb, err := l.deps.Crypto.GetTradeBalance(ctx)
	if err != nil {
		return fmt.Errorf("trade balance: %w", err)
	}

	dynamicMax := l.dynamicMaxPositions(tb.EquivalentBalance)

	if err := l.syncBook(ctx); err != nil {
		return fmt.Errorf("book sync: %w", err)
	}

	l.runExits(ctx)

	if l.book.Len() < dynamicMax {
		l.runEntries(ctx, tb, dynamicMax)
	}

	if l.deps.Grid != nil && l.deps.Cfg.Grid.Enabled {
		if err := l.deps.Grid.Tick(ctx, l.cfg.Watchlist); err != nil {
			l.logger.Warn().Err(err).Msg("Grid tick failed")
		}
	}

	l.deps.Bus.Publish(events.TagProcessingStatus, map[string]interface{}{
		"loop":        "crypto",
		"positions":   l.book.Len(),
		"dynamic_max": dynamicMax,
	})
	return nil
}

// dynamicMaxPositions scales the position cap with account equity: 80% of
// equity divided by the per-position budget, clamped to [min, 10].
func (l *CryptoLoop) dynamicMaxPositions(equity float64) int {
	if l.cfg.PerPositionUSD <= 0 {
		return l.cfg.MaxPositions
	}
	n := int(math.Floor(equity * 0.80 / l.cfg.PerPositionUSD))
	if n < l.cfg.MinPositions {
		n = l.cfg.MinPositions
	}
	if n > dynamicMaxCeiling {
		n = dynamicMaxCeiling
	}
	return n
}

// baseAsset maps a balance ledger asset code to the watchlist base, e.g.
// XXBT -> BTC, XETH -> ETH, SOL -> SOL.
func baseAsset(code string) string {
	if len(code) == 4 && (code[0] == 'X' || code[0] == 'Z') {
		code = code[1:]
	}
	if code == "XBT" {
		return "BTC"
	}
	return code
}

// syncBook reconciles the tracked book with the broker balance. New holdings
// get a reconstructed entry price; vanished holdings are dropped.
func (l *CryptoLoop) syncBook(ctx context.Context) error {
	balances, err := l.deps.Crypto.GetBalance(ctx)
	if err != nil {
		return err
	}

	held := make(map[string]float64)
	for code, qty := range balances {
		held[baseAsset(code)] = qty
	}

	for _, symbol := range l.cfg.Watchlist {
		base := symbol
		if i := strings.IndexByte(symbol, '/'); i >= 0 {
			base = symbol[:i]
		}
		qty := held[base]

		price := l.deps.Prices.Price(ctx, symbol)
		if price <= 0 {
			continue // price unavailable, leave the book as-is
		}

		if qty*price < dustUSD {
			if _, removed := l.book.Remove(symbol); removed {
				l.logger.Info().Str("symbol", symbol).Msg("Holding gone, dropped from book")
				if l.deps.States != nil {
					l.deps.States.DeletePosition(ctx, symbol)
				}
			}
			continue
		}

		if pos, ok := l.book.Get(symbol); ok {
			if pos.Qty != qty {
				l.book.Update(symbol, func(p *book.Position) { p.Qty = qty })
			}
			continue
		}

		entry, unreliable := l.reconstructEntry(ctx, symbol, qty, price)
		l.book.Set(book.Position{
			Symbol:         symbol,
			Qty:            qty,
			EntryPrice:     entry,
			EntryTime:      time.Now(),
			Profile:        "crypto",
			StopUnreliable: unreliable,
		})
		l.logger.Info().Str("symbol", symbol).Float64("qty", qty).
			Float64("entry", entry).Bool("entry_estimated", unreliable).
			Msg("Adopted holding from balance")
	}
	return nil
}

// buyFill is one buy execution feeding the entry reconstruction.
type buyFill struct{ price, qty float64 }

// weightedEntry averages buy fills, newest first, until qty is covered.
func weightedEntry(fills []buyFill, qty float64) (float64, bool) {
	var cost, covered float64
	for _, f := range fills {
		take := f.qty
		if covered+take > qty {
			take = qty - covered
		}
		cost += f.price * take
		covered += take
		if covered >= qty {
			break
		}
	}
	if covered <= 0 {
		return 0, false
	}
	return cost / covered, true
}

// reconstructEntry guesses the entry price of an adopted holding: weighted
// average of recent buys from our own trade log, else from the broker's fill
// history, else today's open, else the current price with the stop marked
// unreliable.
func (l *CryptoLoop) reconstructEntry(ctx context.Context, symbol string, qty, price float64) (float64, bool) {
	cutoff := time.Now().Add(-entryLookback)

	// Our own trade log first; it survives broker history gaps.
	if l.deps.History != nil {
		if rows, err := l.deps.History.RecentBuys(ctx, symbol, cutoff); err == nil {
			fills := make([]buyFill, 0, len(rows))
			for _, r := range rows {
				fills = append(fills, buyFill{price: r.EntryPrice, qty: r.Quantity})
			}
			if entry, ok := weightedEntry(fills, qty); ok {
				return entry, false
			}
		}
	}

	if hist, err := l.deps.Crypto.GetTradesHistory(ctx); err == nil {
		fills := make([]buyFill, 0, len(hist))
		for _, f := range hist {
			if f.Symbol != symbol || f.Side != broker.SideBuy || f.Timestamp.Before(cutoff) {
				continue
			}
			fills = append(fills, buyFill{price: f.Price, qty: f.Quantity})
		}
		if entry, ok := weightedEntry(fills, qty); ok {
			return entry, false
		}
	}

	if ticker, err := l.deps.Crypto.GetTicker(ctx, symbol); err == nil && ticker.Open > 0 {
		return ticker.Open, false
	}
	return price, true
}

func (l *CryptoLoop) runExits(ctx context.Context) {
	for _, symbol := range l.book.Symbols() {
		price := l.deps.Prices.Price(ctx, symbol)
		if price <= 0 {
			continue
		}
		l.evaluateAndExecuteExits(ctx, symbol, price)
	}
}

func (l *CryptoLoop) evaluateAndExecuteExits(ctx context.Context, symbol string, price float64) {
	ind := l.deps.Indicators.For(symbol)
	for i := 0; i < 10; i++ {
		pos, ok := l.book.Get(symbol)
		if !ok {
			return
		}
		d := l.deps.Exits.Evaluate(exits.Inputs{
			Pos:           pos,
			Price:         price,
			IsCrypto:      true,
			Now:           time.Now(),
			RSI:           ind.RSI.Value(),
			RSIOK:         ind.RSI.HasEnoughData(),
			MomentumSpike: ind.Momentum.Value(),
			TrailingPct:   l.deps.Cfg.Exits.TrailingTrailPct,
			StopLossPct:   stopLossPctFor(pos),
			MarketOpen:    true,
		})
		if d.Kind == exits.None {
			exits.Observe(l.book, symbol, price)
			l.persist(ctx, symbol)
			return
		}

		switch d.Kind {
		case exits.FullExit:
			if !l.sellMarket(ctx, symbol, pos.Qty, d.Reason) {
				return
			}
			pnl := pos.PnL(price)
			l.book.Remove(symbol)
			if l.deps.States != nil {
				l.deps.States.DeletePosition(ctx, symbol)
			}
			cooldown := l.cfg.CooldownAfterSell
			if d.IsStopLoss && l.deps.Cfg.Features.StopLossCooldown {
				cooldown = l.cfg.CooldownAfterStopLoss
			}
			if cooldown > 0 {
				l.cooldowns.Set(symbol, cooldown)
				if l.deps.States != nil {
					l.deps.States.SaveCooldown(ctx, symbol, time.Now().Add(cooldown))
				}
			}
			l.deps.RecordExit(ctx, symbol, time.Now(), price, pnl)
			l.publishTrade(symbol, "sell", pos.Qty, price, d.Reason)
			return
		case exits.PartialExit:
			if !l.sellMarket(ctx, symbol, d.Qty, d.Reason) {
				return
			}
			l.book.ReduceQty(symbol, d.Qty, dustUSD/price)
			exits.Apply(l.book, symbol, d, price)
			l.publishTrade(symbol, "sell", d.Qty, price, d.Reason)
			if !l.book.Has(symbol) {
				// The remainder was dust; the partial was effectively full.
				if l.deps.States != nil {
					l.deps.States.DeletePosition(ctx, symbol)
				}
				return
			}
			l.persist(ctx, symbol)
		default:
			exits.Apply(l.book, symbol, d, price)
			l.persist(ctx, symbol)
		}
	}
}

// stopLossPctFor derives the per-position stop distance from the stored stop.
func stopLossPctFor(p book.Position) float64 {
	if p.StopLoss > 0 && p.EntryPrice > 0 && p.StopLoss < p.EntryPrice {
		return (p.EntryPrice - p.StopLoss) / p.EntryPrice
	}
	return defaultCryptoStopPct
}

func (l *CryptoLoop) persist(ctx context.Context, symbol string) {
	if l.deps.States == nil {
		return
	}
	if pos, ok := l.book.Get(symbol); ok {
		l.deps.States.SavePosition(ctx, pos)
	}
}

// sellMarket places a crypto market sell, preferring the order stream. An
// InsufficientFunds response means the tracked quantity has drifted from the
// real balance: drop the position and resync instead of retrying.
func (l *CryptoLoop) sellMarket(ctx context.Context, symbol string, qty float64, reason string) bool {
	if l.deps.Cfg.Trading.DryRun {
		l.logger.Info().Str("symbol", symbol).Float64("qty", qty).
			Str("reason", reason).Msg("DRY RUN: skipping crypto sell")
		return true
	}

	err := l.placeMarket(ctx, symbol, broker.SideSell, qty)
	if err == nil {
		return true
	}
	if broker.IsKind(err, broker.KindInsufficientFunds) {
		l.logger.Warn().Str("symbol", symbol).
			Msg("Sell rejected for insufficient funds, dropping tracked position and resyncing")
		l.book.Remove(symbol)
		if l.deps.States != nil {
			l.deps.States.DeletePosition(ctx, symbol)
		}
		return false
	}
	l.logger.Error().Err(err).Str("symbol", symbol).Msg("Crypto sell failed")
	return false
}

func (l *CryptoLoop) placeMarket(ctx context.Context, symbol string, side broker.Side, qty float64) error {
	if l.deps.Orders != nil && l.deps.Orders.IsConnected() {
		select {
		case res := <-l.deps.Orders.PlaceMarket(symbol, side, qty):
			if res.Err == nil {
				return nil
			}
			l.logger.Warn().Err(res.Err).Str("symbol", symbol).Msg("Order stream rejected order, falling back to REST")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := l.deps.Crypto.PlaceMarketOrder(ctx, symbol, side, qty)
	return err
}

func (l *CryptoLoop) runEntries(ctx context.Context, tb *broker.TradeBalance, dynamicMax int) {
	reg, _ := l.deps.Regime.Current()

	for _, symbol := range l.cfg.Watchlist {
		if l.book.Len() >= dynamicMax {
			return
		}
		if l.book.Has(symbol) || l.cooldowns.Active(symbol) {
			continue
		}

		ticker, err := l.deps.Crypto.GetTicker(ctx, symbol)
		if err != nil {
			continue
		}
		ind := l.deps.Indicators.For(symbol)
		ind.UpdateTicker(*ticker, time.Now())
		l.deps.Bus.Publish(events.TagMarketUpdate, map[string]interface{}{
			"symbol": symbol,
			"price":  ticker.Last,
			"change": ticker.DayChangePct(),
		})

		price := l.deps.Prices.Price(ctx, symbol)
		if price <= 0 {
			price = ticker.Last
		}
		if price <= 0 {
			continue
		}

		sig := l.deps.Dispatcher.Evaluate(reg, strategy.ClassStandard, l.deps.StrategyInput(symbol, price, 0))
		if sig.Action != strategy.Buy {
			continue
		}

		bid, ask := ticker.Bid, ticker.Ask
		if l.deps.Quotes != nil {
			if b, a, ok := l.deps.Quotes.BidAsk(symbol); ok {
				bid, ask = b, a
			}
		}

		snapshot := l.book.Snapshot()
		res := l.pipeline.Evaluate(filters.Entry{
			Symbol:        symbol,
			IsCrypto:      true,
			Price:         price,
			Bid:           bid,
			Ask:           ask,
			IntendedValue: l.cfg.PerPositionUSD,
			Bias:          1,
			MaxPositions:  dynamicMax,
			Regime:        reg,
			Ind:           ind,
			Positions:     snapshot,
			Equity:        tb.EquivalentBalance,
			DayChangePct:  ticker.DayChangePct(),
			RangePosition: ticker.RangePosition(),
			Volume24h:     ticker.Vol24h,
			AvgVolume:     ind.Volume.Average(),
			Now:           time.Now(),
		})
		switch res.Verdict {
		case filters.Halt:
			l.deps.Bus.Activity(events.LevelWarn, "Crypto entry pipeline halted cycle: "+res.Reason, nil)
			return
		case filters.Skip:
			continue
		}

		perf := l.deps.Perf.For(symbol)
		mlConf, maxCorr, anomaly := l.deps.SizingAdjustments(symbol, snapshot)
		qty := l.deps.Sizer.Quantity(sizing.Request{
			Symbol:         symbol,
			IsCrypto:       true,
			EntryPrice:     price,
			Equity:         l.cfg.PerPositionUSD,
			BuyingPower:    tb.FreeMargin,
			WinRate:        perf.WinRate(),
			ExpectedR:      1.0,
			VIX:            l.deps.Regime.LastVIX(),
			Regime:         reg,
			MLConfidence:   mlConf,
			MaxCorrelation: maxCorr,
			Anomaly:        anomaly,
		})
		if qty <= 0 {
			continue
		}

		if err := l.deps.Crypto.CanPlaceOrder(ctx, symbol, qty, price); err != nil {
			l.logger.Debug().Err(err).Str("symbol", symbol).Msg("Pre-flight rejected entry")
			continue
		}

		if l.deps.Cfg.Trading.DryRun {
			l.logger.Info().Str("symbol", symbol).Float64("qty", qty).Msg("DRY RUN: skipping crypto buy")
			continue
		}
		if err := l.placeMarket(ctx, symbol, broker.SideBuy, qty); err != nil {
			if broker.IsKind(err, broker.KindInsufficientFunds) {
				l.deps.Bus.Activity(events.LevelWarn, "Crypto entry aborted, insufficient funds: "+symbol, nil)
			} else {
				l.logger.Error().Err(err).Str("symbol", symbol).Msg("Crypto entry failed")
			}
			continue
		}

		pos := book.Position{
			Symbol:     symbol,
			Qty:        qty,
			EntryPrice: price,
			EntryTime:  time.Now(),
			Strategy:   sig.Reason,
			Profile:    "crypto",
			StopLoss:   price * (1 - defaultCryptoStopPct),
		}
		l.book.Set(pos)
		l.persist(ctx, symbol)
		l.deps.RecordEntry(ctx, pos)
		l.publishTrade(symbol, "buy", qty, price, sig.Reason)
	}
}

func (l *CryptoLoop) publishTrade(symbol, side string, qty, price float64, reason string) {
	l.deps.Bus.Publish(events.TagTradeEvent, map[string]interface{}{
		"loop":   "crypto",
		"symbol": symbol,
		"side":   side,
		"qty":    qty,
		"price":  price,
		"reason": reason,
	})
}
