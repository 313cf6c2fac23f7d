package broker

import (
	"context"

	"github.com/rs/zerolog"
)

// ResilientCrypto wraps a Crypto client with retries and per-endpoint
// circuit breakers.
type ResilientCrypto struct {
	raw      Crypto
	breakers *breakerSet
}

// NewResilientCrypto wraps the given raw crypto client.
func NewResilientCrypto(raw Crypto, cfg ResilienceConfig, logger zerolog.Logger) *ResilientCrypto {
	return &ResilientCrypto{
		raw:      raw,
		breakers: newBreakerSet(cfg, logger.With().Str("component", "crypto-resilience").Logger()),
	}
}

func (r *ResilientCrypto) Delegate() Crypto { return r.raw }

func (r *ResilientCrypto) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	return call(ctx, r.breakers, "crypto.ticker", func(ctx context.Context) (*Ticker, error) {
		return r.raw.GetTicker(ctx, pair)
	})
}

func (r *ResilientCrypto) GetBalance(ctx context.Context) (map[string]float64, error) {
	return call(ctx, r.breakers, "crypto.balance", r.raw.GetBalance)
}

func (r *ResilientCrypto) GetTradeBalance(ctx context.Context) (*TradeBalance, error) {
	return call(ctx, r.breakers, "crypto.balance", r.raw.GetTradeBalance)
}

func (r *ResilientCrypto) GetTradesHistory(ctx context.Context) ([]Fill, error) {
	return call(ctx, r.breakers, "crypto.trades", r.raw.GetTradesHistory)
}

func (r *ResilientCrypto) GetOpenOrders(ctx context.Context, pair string) ([]Order, error) {
	return call(ctx, r.breakers, "crypto.orders", func(ctx context.Context) ([]Order, error) {
		return r.raw.GetOpenOrders(ctx, pair)
	})
}

func (r *ResilientCrypto) CancelOrder(ctx context.Context, orderID string) error {
	return callVoid(ctx, r.breakers, "crypto.cancel", func(ctx context.Context) error {
		return r.raw.CancelOrder(ctx, orderID)
	})
}

func (r *ResilientCrypto) PlaceLimitOrder(ctx context.Context, pair string, side Side, qty, price float64) (*Order, error) {
	return call(ctx, r.breakers, "crypto.order", func(ctx context.Context) (*Order, error) {
		return r.raw.PlaceLimitOrder(ctx, pair, side, qty, price)
	})
}

func (r *ResilientCrypto) PlaceMarketOrder(ctx context.Context, pair string, side Side, qty float64) (*Order, error) {
	return call(ctx, r.breakers, "crypto.order", func(ctx context.Context) (*Order, error) {
		return r.raw.PlaceMarketOrder(ctx, pair, side, qty)
	})
}

func (r *ResilientCrypto) CanPlaceOrder(ctx context.Context, pair string, qty, price float64) error {
	return callVoid(ctx, r.breakers, "crypto.order", func(ctx context.Context) error {
		return r.raw.CanPlaceOrder(ctx, pair, qty, price)
	})
}

func (r *ResilientCrypto) GetBars(ctx context.Context, pair, timeframe string, limit int) ([]Bar, error) {
	return call(ctx, r.breakers, "crypto.bars", func(ctx context.Context) ([]Bar, error) {
		return r.raw.GetBars(ctx, pair, timeframe, limit)
	})
}
