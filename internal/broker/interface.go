package broker

import "context"

// Equity is the capability set over the stock brokerage. All calls are
// cancellable via ctx and fail with a *Error.
type Equity interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	PlaceOrder(ctx context.Context, intent OrderIntent) (*Order, error)
	PlaceBracket(ctx context.Context, intent OrderIntent) (*Order, error)
	GetLatestBar(ctx context.Context, symbol string) (*Bar, error)
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)
	GetMarketHistory(ctx context.Context, symbol string, days int) ([]Bar, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Delegate returns the unwrapped client. The emergency protocol uses it
	// to bypass retries and circuit breakers.
	Delegate() Equity
}

// Crypto is the capability set over the crypto brokerage.
type Crypto interface {
	GetTicker(ctx context.Context, pair string) (*Ticker, error)
	GetBalance(ctx context.Context) (map[string]float64, error)
	GetTradeBalance(ctx context.Context) (*TradeBalance, error)
	GetTradesHistory(ctx context.Context) ([]Fill, error)
	GetOpenOrders(ctx context.Context, pair string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	PlaceLimitOrder(ctx context.Context, pair string, side Side, qty, price float64) (*Order, error)
	PlaceMarketOrder(ctx context.Context, pair string, side Side, qty float64) (*Order, error)
	CanPlaceOrder(ctx context.Context, pair string, qty, price float64) error
	GetBars(ctx context.Context, pair, timeframe string, limit int) ([]Bar, error)

	Delegate() Crypto
}
