package kraken

import (
	"context"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
)

// quoteCache is the stream-side interface PriceSource reads. Satisfied by
// *QuoteStream.
type quoteCache interface {
	Price(symbol string) (float64, bool)
	IsConnected() bool
}

// PriceSource resolves a symbol to its latest price: the stream cache when
// fresh, else one REST ticker call, else 0. Callers must treat 0 as
// "unavailable" and skip, never as a valid price.
type PriceSource struct {
	stream quoteCache
	rest   broker.Crypto
	logger zerolog.Logger
}

// NewPriceSource wires the stream cache and the REST fallback. stream may be
// nil (REST only).
func NewPriceSource(stream quoteCache, rest broker.Crypto, logger zerolog.Logger) *PriceSource {
	return &PriceSource{
		stream: stream,
		rest:   rest,
		logger: logger.With().Str("component", "price_source").Logger(),
	}
}

// Price returns the latest price for a symbol, or 0 when unavailable.
func (ps *PriceSource) Price(ctx context.Context, symbol string) float64 {
	if ps.stream != nil {
		if price, ok := ps.stream.Price(symbol); ok {
			return price
		}
	}
	ticker, err := ps.rest.GetTicker(ctx, symbol)
	if err != nil {
		ps.logger.Debug().Err(err).Str("symbol", symbol).Msg("price unavailable")
		return 0
	}
	return ticker.Last
}
