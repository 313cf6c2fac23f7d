package grid

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/state"
)

type placedOrder struct {
	Pair  string
	Side  broker.Side
	Qty   float64
	Price float64
}

type fakeCrypto struct {
	tickers     map[string]broker.Ticker
	balance     broker.TradeBalance
	placed      []placedOrder
	cancelled   []string
	canPlaceErr error
	nextID      int
}

func (f *fakeCrypto) GetTicker(_ context.Context, pair string) (*broker.Ticker, error) {
	t, ok := f.tickers[pair]
	if !ok {
		return nil, broker.NewError(broker.KindNotFound, "no ticker for "+pair)
	}
	return &t, nil
}

func (f *fakeCrypto) GetBalance(context.Context) (map[string]float64, error) {
	return map[string]float64{"ZUSD": f.balance.FreeMargin}, nil
}

func (f *fakeCrypto) GetTradeBalance(context.Context) (*broker.TradeBalance, error) {
	b := f.balance
	return &b, nil
}

func (f *fakeCrypto) GetTradesHistory(context.Context) ([]broker.Fill, error) { return nil, nil }

func (f *fakeCrypto) GetOpenOrders(context.Context, string) ([]broker.Order, error) {
	return nil, nil
}

func (f *fakeCrypto) CancelOrder(_ context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeCrypto) PlaceLimitOrder(_ context.Context, pair string, side broker.Side, qty, price float64) (*broker.Order, error) {
	f.placed = append(f.placed, placedOrder{Pair: pair, Side: side, Qty: qty, Price: price})
	f.nextID++
	return &broker.Order{ID: fmt.Sprintf("O%d", f.nextID), Symbol: pair, Side: side, Quantity: qty, Price: price}, nil
}

func (f *fakeCrypto) PlaceMarketOrder(_ context.Context, pair string, side broker.Side, qty float64) (*broker.Order, error) {
	f.placed = append(f.placed, placedOrder{Pair: pair, Side: side, Qty: qty})
	f.nextID++
	return &broker.Order{ID: fmt.Sprintf("O%d", f.nextID)}, nil
}

func (f *fakeCrypto) CanPlaceOrder(context.Context, string, float64, float64) error {
	return f.canPlaceErr
}

func (f *fakeCrypto) GetBars(context.Context, string, string, int) ([]broker.Bar, error) {
	return nil, nil
}

func (f *fakeCrypto) Delegate() broker.Crypto { return f }

// dipTicker sits in the lower third of its daily range with a mild down day,
// which scores well above the floor.
func dipTicker(last float64) broker.Ticker {
	return broker.Ticker{
		Last:    last,
		Open:    last * 1.02, // -2% day
		High24h: last * 1.04,
		Low24h:  last * 0.99,
		Bid:     last * 0.9995,
		Ask:     last * 1.0005,
	}
}

func newTestEngine(f *fakeCrypto) *Engine {
	cfg := config.Defaults().Grid
	return New(cfg, f, indicators.NewRegistry(), state.NewPerformanceStats(), zerolog.Nop())
}

func TestLadderRespectsBalanceBudget(t *testing.T) {
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{EquivalentBalance: 50, FreeMargin: 50},
	}
	e := newTestEngine(f)

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatalf("Should tick cleanly, got %v", err)
	}

	if len(f.placed) == 0 || len(f.placed) > 3 {
		t.Fatalf("Should place 1-3 ladder legs, got %d", len(f.placed))
	}
	var total float64
	for _, o := range f.placed {
		notional := o.Qty * o.Price
		if notional < 11-1e-6 {
			t.Errorf("Should never place a leg under $11, got $%.2f", notional)
		}
		if o.Side != broker.SideBuy {
			t.Error("Should only place buys")
		}
		if o.Price >= 100 {
			t.Errorf("Should rest below market, got %v", o.Price)
		}
		total += notional
	}
	if total > 40+1e-6 {
		t.Errorf("Should commit at most 80%% of balance ($40), got $%.2f", total)
	}
}

func TestTickAbortsBelowMinimumBalance(t *testing.T) {
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{FreeMargin: 8},
	}
	e := newTestEngine(f)

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatalf("Should tick cleanly, got %v", err)
	}
	if len(f.placed) != 0 {
		t.Errorf("Should place nothing below the $11 minimum, got %d orders", len(f.placed))
	}
}

func TestTickSkipsWhenNoLegClearsMinimum(t *testing.T) {
	// $20 free margin commits $16; the heaviest leg at 40% is $6.40, under
	// the $11 per-order minimum, so no level could ever place.
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{FreeMargin: 20},
	}
	e := newTestEngine(f)
	gateCalls := 0
	e.EntryGate = func(string, float64) bool { gateCalls++; return true }

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatalf("Should tick cleanly, got %v", err)
	}
	if len(f.placed) != 0 {
		t.Errorf("Should place nothing when no leg clears the minimum, got %d", len(f.placed))
	}
	if gateCalls != 0 {
		t.Error("Should skip before consulting the entry gate")
	}
}

func TestTickAbortsAtOrderCap(t *testing.T) {
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{FreeMargin: 500},
	}
	e := newTestEngine(f)
	for i := 1; i <= 3; i++ {
		e.pending[fmt.Sprintf("ETH/USD_L%d", i)] = pendingOrder{
			OrderID: fmt.Sprintf("X%d", i), Symbol: "ETH/USD", Level: i, Placed: time.Now(),
		}
	}

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatalf("Should tick cleanly, got %v", err)
	}
	if len(f.placed) != 0 {
		t.Errorf("Should place nothing at the 3-order cap, got %d", len(f.placed))
	}
}

func TestMaxThreeConcurrentOrdersPerSymbol(t *testing.T) {
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{FreeMargin: 500},
	}
	e := newTestEngine(f)

	// Two ticks in a row: the second must not duplicate resting legs.
	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatal(err)
	}
	first := len(f.placed)
	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatal(err)
	}

	if len(e.OpenOrders()) > 3 {
		t.Errorf("Should track at most 3 open legs, got %v", e.OpenOrders())
	}
	if len(f.placed) > 3 {
		t.Errorf("Should never exceed 3 resting orders, placed %d then %d", first, len(f.placed)-first)
	}
}

func TestStaleOrdersGarbageCollected(t *testing.T) {
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance: broker.TradeBalance{FreeMargin: 500},
	}
	e := newTestEngine(f)
	e.pending["SOL/USD_L1"] = pendingOrder{
		OrderID: "OLD1", Symbol: "SOL/USD", Level: 1,
		Placed: time.Now().Add(-20 * time.Minute),
	}

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatal(err)
	}
	if len(f.cancelled) != 1 || f.cancelled[0] != "OLD1" {
		t.Errorf("Should cancel the 15-minute-old order, cancelled %v", f.cancelled)
	}
	for _, key := range e.OpenOrders() {
		if key == "SOL/USD_L1" && e.pending[key].OrderID == "OLD1" {
			t.Error("Should drop the stale order from tracking")
		}
	}
}

func TestPreFlightRejectionSkipsLeg(t *testing.T) {
	f := &fakeCrypto{
		tickers:     map[string]broker.Ticker{"SOL/USD": dipTicker(100)},
		balance:     broker.TradeBalance{FreeMargin: 500},
		canPlaceErr: broker.NewError(broker.KindValidation, "volume too low"),
	}
	e := newTestEngine(f)

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatalf("Should not propagate a validation rejection, got %v", err)
	}
	if len(f.placed) != 0 {
		t.Errorf("Should skip rejected legs silently, got %d placed", len(f.placed))
	}
}

func TestLowScoreCandidateSkipped(t *testing.T) {
	// Top of the range on an up day scores near zero.
	top := broker.Ticker{Last: 104, Open: 100, High24h: 104.1, Low24h: 99}
	f := &fakeCrypto{
		tickers: map[string]broker.Ticker{"SOL/USD": top},
		balance: broker.TradeBalance{FreeMargin: 500},
	}
	e := newTestEngine(f)

	if err := e.Tick(context.Background(), []string{"SOL/USD"}); err != nil {
		t.Fatal(err)
	}
	if len(f.placed) != 0 {
		t.Errorf("Should skip a low-score candidate, got %d placed", len(f.placed))
	}
}

func TestOnFillReleasesLeg(t *testing.T) {
	e := newTestEngine(&fakeCrypto{})
	e.pending["SOL/USD_L2"] = pendingOrder{OrderID: "O7", Symbol: "SOL/USD", Level: 2, Placed: time.Now()}

	e.OnFill("O7")
	if len(e.OpenOrders()) != 0 {
		t.Errorf("Should drop a filled leg, got %v", e.OpenOrders())
	}
}

func TestOversoldShiftsWeightDeeper(t *testing.T) {
	e := newTestEngine(&fakeCrypto{})

	normal := e.levelWeights(false)
	oversold := e.levelWeights(true)

	if oversold[len(oversold)-1] <= normal[len(normal)-1] {
		t.Errorf("Should shift weight to the deepest level when oversold: %v vs %v", oversold, normal)
	}
	var sum float64
	for _, w := range oversold {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("Should keep weights summing to 1, got %v", sum)
	}
}
