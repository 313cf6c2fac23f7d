package broker

import (
	"strings"
	"time"
)

// IsCryptoPair reports whether a symbol names a crypto pair. The slash is the
// class discriminator: "SOL/USD" is crypto, "AAPL" is an equity ticker.
func IsCryptoPair(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// BaseAsset returns the base leg of a crypto pair ("SOL" for "SOL/USD").
// Equity tickers are returned unchanged.
func BaseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// SpreadPct returns (ask-bid)/bid, or 0 when the bid is unusable.
func (q Quote) SpreadPct() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Bid
}

// Ticker is a 24h rolling statistics snapshot for a crypto pair.
type Ticker struct {
	Symbol  string  `json:"symbol"`
	Last    float64 `json:"last"`
	Open    float64 `json:"open"`
	High24h float64 `json:"high_24h"`
	Low24h  float64 `json:"low_24h"`
	VWAP24h float64 `json:"vwap_24h"`
	Vol24h  float64 `json:"vol_24h"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
}

// DayChangePct returns the move from the 24h open, as a fraction.
func (t Ticker) DayChangePct() float64 {
	if t.Open <= 0 {
		return 0
	}
	return (t.Last - t.Open) / t.Open
}

// RangePosition returns where Last sits inside [Low24h, High24h]: 0 at the
// low, 1 at the high. Degenerate ranges report 0.5.
func (t Ticker) RangePosition() float64 {
	span := t.High24h - t.Low24h
	if span <= 0 {
		return 0.5
	}
	return (t.Last - t.Low24h) / span
}

// Account is the equity broker account snapshot.
type Account struct {
	Equity      float64 `json:"equity"`
	LastEquity  float64 `json:"last_equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
}

// TradeBalance is the crypto broker margin summary.
type TradeBalance struct {
	EquivalentBalance float64 `json:"equivalent_balance"`
	FreeMargin        float64 `json:"free_margin"`
}

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the flattening side for a signed position quantity.
func Opposite(qty float64) Side {
	if qty > 0 {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order execution type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// Bracket carries the take-profit and stop-loss legs of a bracket entry.
type Bracket struct {
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

// OrderIntent is a fully-specified order the engine wants placed.
type OrderIntent struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	Type          OrderType `json:"type"`
	TimeInForce   string    `json:"time_in_force"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	Bracket       *Bracket  `json:"bracket,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Order is a resting or historical order as reported by a broker.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Quantity  float64   `json:"quantity"`
	FilledQty float64   `json:"filled_qty"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Position is a broker-reported holding. Quantity is signed for equities
// (negative = short); crypto holdings are always positive.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Fill is one executed trade from the crypto broker's history, used to
// reconstruct entry prices after a restart.
type Fill struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}
