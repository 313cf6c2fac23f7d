package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/state"
)

// pendingOrder is one resting ladder leg tracked for stale GC.
type pendingOrder struct {
	OrderID  string
	Symbol   string
	Level    int
	Notional float64
	Placed   time.Time
}

// Engine places resting limit buys below market on the best-scoring watchlist
// candidate to harvest volatility. One Tick per crypto-loop cycle.
type Engine struct {
	cfg      config.GridConfig
	client   broker.Crypto
	registry *indicators.Registry
	perf     *state.PerformanceStats
	logger   zerolog.Logger

	// EntryGate, when set, vetoes a candidate before the ladder is placed
	// (concentration limits live outside this engine).
	EntryGate func(symbol string, notional float64) bool

	mu      sync.Mutex
	pending map[string]pendingOrder // "SOL/USD_L1" -> order
}

// New creates a grid engine.
func New(cfg config.GridConfig, client broker.Crypto, registry *indicators.Registry, perf *state.PerformanceStats, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		registry: registry,
		perf:     perf,
		logger:   logger.With().Str("component", "grid").Logger(),
		pending:  make(map[string]pendingOrder),
	}
}

// candidate is one scored watchlist symbol.
type candidate struct {
	symbol   string
	ticker   broker.Ticker
	score    float64
	oversold bool
	bucket   indicators.VolBucket
}

// Tick runs one full grid cycle over the watchlist.
func (e *Engine) Tick(ctx context.Context, watchlist []string) error {
	if !e.cfg.Enabled {
		return nil
	}
	e.gcStaleOrders(ctx)

	tb, err := e.client.GetTradeBalance(ctx)
	if err != nil {
		return fmt.Errorf("grid balance: %w", err)
	}
	balance := tb.FreeMargin

	gridSize := balance * e.cfg.BalanceRatio
	if gridSize < e.cfg.MinUSD {
		gridSize = e.cfg.MinUSD
	}
	if gridSize > e.cfg.MaxUSD {
		gridSize = e.cfg.MaxUSD
	}

	e.mu.Lock()
	open := len(e.pending)
	e.mu.Unlock()
	if open >= e.cfg.MaxOpenOrders {
		e.logger.Debug().Int("open", open).Msg("grid order cap reached")
		return nil
	}
	if balance < e.cfg.MinUSD {
		e.logger.Debug().Float64("balance", balance).Msg("balance below grid minimum")
		return nil
	}

	best := e.pickCandidate(ctx, watchlist)
	if best == nil {
		return nil
	}

	// Volatility damping on the committed size.
	switch best.bucket {
	case indicators.VolHigh:
		gridSize *= 0.5
	case indicators.VolElevated:
		gridSize *= 0.75
	}
	// Not even the heaviest leg would clear the per-order minimum, so every
	// level would be rejected downstream.
	if gridSize*maxWeight(e.levelWeights(best.oversold)) < e.cfg.MinUSD {
		e.logger.Debug().Float64("grid_size", gridSize).Msg("grid size below smallest placeable leg")
		return nil
	}
	if e.EntryGate != nil && !e.EntryGate(best.symbol, gridSize) {
		e.logger.Debug().Str("symbol", best.symbol).Msg("grid entry vetoed")
		return nil
	}

	return e.placeLadder(ctx, best, gridSize)
}

// gcStaleOrders cancels resting legs older than the configured age. A broker
// Conflict or NotFound means the order is already gone and counts as success.
func (e *Engine) gcStaleOrders(ctx context.Context) {
	e.mu.Lock()
	var stale []pendingOrder
	for key, po := range e.pending {
		if time.Since(po.Placed) > e.cfg.StaleAfter {
			stale = append(stale, po)
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	for _, po := range stale {
		err := e.client.CancelOrder(ctx, po.OrderID)
		if err != nil && !broker.IsKind(err, broker.KindConflict) && !broker.IsKind(err, broker.KindNotFound) {
			e.logger.Warn().Err(err).
				Str("symbol", po.Symbol).
				Str("order_id", po.OrderID).
				Msg("stale grid order cancel failed")
			continue
		}
		e.logger.Info().
			Str("symbol", po.Symbol).
			Int("level", po.Level).
			Msg("stale grid order cancelled")
	}
}

// pickCandidate scores every watchlist symbol and returns the best above the
// score floor, or nil.
func (e *Engine) pickCandidate(ctx context.Context, watchlist []string) *candidate {
	var candidates []candidate
	for _, symbol := range watchlist {
		ticker, err := e.client.GetTicker(ctx, symbol)
		if err != nil {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("grid ticker fetch failed")
			continue
		}
		ind := e.registry.For(symbol)
		ind.UpdateTicker(*ticker, time.Now())

		if ind.RSI.Overbought() {
			continue
		}

		c := candidate{
			symbol:   symbol,
			ticker:   *ticker,
			oversold: ind.RSI.Oversold(),
			bucket:   ind.Volatility.Bucket(),
		}
		c.score = e.score(c)
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best := candidates[0]
	if best.score <= e.cfg.MinScore {
		return nil
	}
	e.logger.Debug().
		Str("symbol", best.symbol).
		Float64("score", best.score).
		Msg("grid candidate selected")
	return &best
}

// score implements the dip-buying heuristic: favor the lower daily range, add
// a bonus for shallow dips, half-again for oversold, then weight by realized
// per-symbol performance.
func (e *Engine) score(c candidate) float64 {
	score := (1 - c.ticker.RangePosition()) * 50

	dayChange := c.ticker.DayChangePct()
	if dayChange < 0 && dayChange > -0.03 {
		score += -dayChange * 500
	}
	if c.oversold {
		score *= 1.5
	}
	return score * e.perf.Weight(c.symbol)
}

// placeLadder splits gridSize over the configured levels below market. Each
// leg is pre-flighted and placed only if it alone satisfies the minimum.
func (e *Engine) placeLadder(ctx context.Context, c *candidate, gridSize float64) error {
	weights := e.levelWeights(c.oversold)

	e.mu.Lock()
	budget := e.cfg.MaxOpenOrders - len(e.pending)
	e.mu.Unlock()

	placed := 0
	for i, offset := range e.cfg.LevelOffsets {
		if placed >= budget {
			break
		}
		key := fmt.Sprintf("%s_L%d", c.symbol, i+1)
		e.mu.Lock()
		_, exists := e.pending[key]
		e.mu.Unlock()
		if exists {
			continue
		}

		notional := gridSize * weights[i]
		if notional < e.cfg.MinUSD {
			continue
		}
		price := c.ticker.Last * (1 - offset)
		qty := notional / price

		if err := e.client.CanPlaceOrder(ctx, c.symbol, qty, price); err != nil {
			// Validation failures cancel the leg silently.
			e.logger.Debug().Err(err).Str("key", key).Msg("grid pre-flight rejected")
			continue
		}
		order, err := e.client.PlaceLimitOrder(ctx, c.symbol, broker.SideBuy, qty, price)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("grid order placement failed")
			continue
		}

		e.mu.Lock()
		e.pending[key] = pendingOrder{
			OrderID:  order.ID,
			Symbol:   c.symbol,
			Level:    i + 1,
			Notional: notional,
			Placed:   time.Now(),
		}
		e.mu.Unlock()
		placed++
		e.logger.Info().
			Str("symbol", c.symbol).
			Int("level", i+1).
			Float64("price", price).
			Float64("qty", qty).
			Float64("notional", notional).
			Msg("grid order placed")
	}
	return nil
}

// levelWeights returns the ladder weights, shifted toward the deepest level
// when the candidate is oversold.
func (e *Engine) levelWeights(oversold bool) []float64 {
	weights := make([]float64, len(e.cfg.LevelWeights))
	copy(weights, e.cfg.LevelWeights)
	if !oversold || len(weights) < 2 {
		return weights
	}
	last := len(weights) - 1
	for i := 0; i < last; i++ {
		shift := weights[i] / 3
		weights[i] -= shift
		weights[last] += shift
	}
	return weights
}

func maxWeight(weights []float64) float64 {
	max := 0.0
	for _, w := range weights {
		if w > max {
			max = w
		}
	}
	return max
}

// OpenOrders returns the tracked resting legs, for telemetry.
func (e *Engine) OpenOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// OnFill drops a pending leg once the broker reports it filled.
func (e *Engine) OnFill(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, po := range e.pending {
		if po.OrderID == orderID {
			delete(e.pending, key)
			e.logger.Info().Str("symbol", po.Symbol).Int("level", po.Level).Msg("grid order filled")
			return
		}
	}
}
