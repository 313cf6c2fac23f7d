package broker

import (
	"context"

	"github.com/rs/zerolog"
)

// ResilientEquity wraps an Equity client with retries and per-endpoint
// circuit breakers. Delegate() exposes the raw client for the emergency path.
type ResilientEquity struct {
	raw      Equity
	breakers *breakerSet
}

// NewResilientEquity wraps the given raw equity client.
func NewResilientEquity(raw Equity, cfg ResilienceConfig, logger zerolog.Logger) *ResilientEquity {
	return &ResilientEquity{
		raw:      raw,
		breakers: newBreakerSet(cfg, logger.With().Str("component", "equity-resilience").Logger()),
	}
}

func (r *ResilientEquity) Delegate() Equity { return r.raw }

func (r *ResilientEquity) GetAccount(ctx context.Context) (*Account, error) {
	return call(ctx, r.breakers, "equity.account", r.raw.GetAccount)
}

func (r *ResilientEquity) GetPositions(ctx context.Context) ([]Position, error) {
	return call(ctx, r.breakers, "equity.positions", r.raw.GetPositions)
}

func (r *ResilientEquity) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return call(ctx, r.breakers, "equity.orders", func(ctx context.Context) ([]Order, error) {
		return r.raw.GetOpenOrders(ctx, symbol)
	})
}

func (r *ResilientEquity) CancelOrder(ctx context.Context, orderID string) error {
	return callVoid(ctx, r.breakers, "equity.cancel", func(ctx context.Context) error {
		return r.raw.CancelOrder(ctx, orderID)
	})
}

func (r *ResilientEquity) CancelAllOrders(ctx context.Context) error {
	return callVoid(ctx, r.breakers, "equity.cancel", r.raw.CancelAllOrders)
}

func (r *ResilientEquity) PlaceOrder(ctx context.Context, intent OrderIntent) (*Order, error) {
	return call(ctx, r.breakers, "equity.order", func(ctx context.Context) (*Order, error) {
		return r.raw.PlaceOrder(ctx, intent)
	})
}

func (r *ResilientEquity) PlaceBracket(ctx context.Context, intent OrderIntent) (*Order, error) {
	return call(ctx, r.breakers, "equity.order", func(ctx context.Context) (*Order, error) {
		return r.raw.PlaceBracket(ctx, intent)
	})
}

func (r *ResilientEquity) GetLatestBar(ctx context.Context, symbol string) (*Bar, error) {
	return call(ctx, r.breakers, "equity.bars", func(ctx context.Context) (*Bar, error) {
		return r.raw.GetLatestBar(ctx, symbol)
	})
}

func (r *ResilientEquity) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	return call(ctx, r.breakers, "equity.bars", func(ctx context.Context) ([]Bar, error) {
		return r.raw.GetBars(ctx, symbol, timeframe, limit)
	})
}

func (r *ResilientEquity) GetMarketHistory(ctx context.Context, symbol string, days int) ([]Bar, error) {
	return call(ctx, r.breakers, "equity.bars", func(ctx context.Context) ([]Bar, error) {
		return r.raw.GetMarketHistory(ctx, symbol, days)
	})
}

func (r *ResilientEquity) IsMarketOpen(ctx context.Context) (bool, error) {
	return call(ctx, r.breakers, "equity.clock", r.raw.IsMarketOpen)
}
