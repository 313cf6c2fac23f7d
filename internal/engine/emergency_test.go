package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
)

type fakeEquity struct {
	mu             sync.Mutex
	positions      []broker.Position
	open           []broker.Order
	cancels        []string
	cancelAllCalls int32
	orders         []broker.OrderIntent
	orderErr       error
}

func (f *fakeEquity) GetAccount(context.Context) (*broker.Account, error) {
	return &broker.Account{Equity: 10000, LastEquity: 10000, BuyingPower: 20000}, nil
}
func (f *fakeEquity) GetPositions(context.Context) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeEquity) GetOpenOrders(_ context.Context, symbol string) ([]broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.Order
	for _, o := range f.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}
func (f *fakeEquity) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}
func (f *fakeEquity) CancelAllOrders(context.Context) error {
	atomic.AddInt32(&f.cancelAllCalls, 1)
	return nil
}
func (f *fakeEquity) PlaceOrder(_ context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, intent)
	return &broker.Order{ID: "O1", Symbol: intent.Symbol, Status: "accepted"}, nil
}
func (f *fakeEquity) PlaceBracket(ctx context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	return f.PlaceOrder(ctx, intent)
}
func (f *fakeEquity) GetLatestBar(context.Context, string) (*broker.Bar, error) { return nil, nil }
func (f *fakeEquity) GetBars(context.Context, string, string, int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeEquity) GetMarketHistory(context.Context, string, int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeEquity) IsMarketOpen(context.Context) (bool, error) { return true, nil }
func (f *fakeEquity) Delegate() broker.Equity                    { return f }

func threePositions() []broker.Position {
	return []broker.Position{
		{Symbol: "AAPL", Quantity: 10, CurrentPrice: 150},
		{Symbol: "SQQQ", Quantity: -20, CurrentPrice: 30},
		{Symbol: "MSFT", Quantity: 5, CurrentPrice: 400},
	}
}

func TestTriggerFlattensAllPositions(t *testing.T) {
	eq := &fakeEquity{positions: threePositions()}
	p := NewEmergencyProtocol(eq, nil, events.NewBus(), zerolog.Nop())

	result := p.Trigger(context.Background(), "test")

	if result.Status != "executed" || !result.Success {
		t.Fatalf("Should execute successfully, got %+v", result)
	}
	if eq.cancelAllCalls != 1 {
		t.Errorf("Should cancel all orders exactly once, got %d", eq.cancelAllCalls)
	}
	if len(result.Results) != 3 {
		t.Fatalf("Should report all 3 positions, got %d", len(result.Results))
	}
	for _, r := range result.Results {
		if !r.CloseOrdered {
			t.Errorf("Should order a close for %s", r.Symbol)
		}
	}
	if len(eq.orders) != 3 {
		t.Fatalf("Should place 3 flatten orders, got %d", len(eq.orders))
	}
	for _, o := range eq.orders {
		if o.Type != broker.OrderMarket {
			t.Errorf("Should flatten with market orders, got %s", o.Type)
		}
		if o.Quantity <= 0 {
			t.Errorf("Should send absolute quantities, got %v", o.Quantity)
		}
	}
	// The short gets bought back, the longs get sold.
	sides := map[string]broker.Side{}
	for _, o := range eq.orders {
		sides[o.Symbol] = o.Side
	}
	if sides["SQQQ"] != broker.SideBuy || sides["AAPL"] != broker.SideSell {
		t.Errorf("Should use the opposite side per position, got %v", sides)
	}
}

func TestConcurrentTriggersExecuteOnce(t *testing.T) {
	eq := &fakeEquity{positions: threePositions()}
	p := NewEmergencyProtocol(eq, nil, events.NewBus(), zerolog.Nop())

	const k = 8
	results := make([]*ExecutionResult, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Trigger(context.Background(), "race")
		}(i)
	}
	wg.Wait()

	executed, duplicates := 0, 0
	for _, r := range results {
		switch r.Status {
		case "executed":
			executed++
		case "already_triggered":
			duplicates++
		}
	}
	if executed != 1 || duplicates != k-1 {
		t.Errorf("Should execute once with %d duplicates, got %d/%d", k-1, executed, duplicates)
	}
	if eq.cancelAllCalls != 1 {
		t.Errorf("Should cancel all orders exactly once, got %d", eq.cancelAllCalls)
	}
}

func TestResetAllowsRetrigger(t *testing.T) {
	eq := &fakeEquity{}
	p := NewEmergencyProtocol(eq, nil, events.NewBus(), zerolog.Nop())

	first := p.Trigger(context.Background(), "first")
	second := p.Trigger(context.Background(), "second")
	if first.Status != "executed" || second.Status != "already_triggered" {
		t.Fatalf("Should block the second trigger, got %s/%s", first.Status, second.Status)
	}

	p.Reset()
	if p.Triggered() {
		t.Error("Should be re-armed after reset")
	}
	third := p.Trigger(context.Background(), "third")
	if third.Status != "executed" {
		t.Errorf("Should execute again after reset, got %s", third.Status)
	}
}

func TestTriggerSurvivesPerSymbolFailures(t *testing.T) {
	eq := &fakeEquity{
		positions: threePositions(),
		orderErr:  &broker.Error{Kind: broker.KindNetwork, Detail: "connection refused"},
	}
	p := NewEmergencyProtocol(eq, nil, events.NewBus(), zerolog.Nop())

	result := p.Trigger(context.Background(), "test")
	if result.Success {
		t.Error("Should report failure when flatten orders are rejected")
	}
	if len(result.Results) != 3 {
		t.Errorf("Should still attempt every position, got %d", len(result.Results))
	}
	if p.LastResult() == nil {
		t.Error("Should record the execution result")
	}
}
