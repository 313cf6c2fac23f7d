package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/strategy"
)

// mockEquity serves a fixed bar series; nothing else is exercised here.
type mockEquity struct {
	bars []broker.Bar
}

func (m *mockEquity) GetAccount(context.Context) (*broker.Account, error)    { return nil, nil }
func (m *mockEquity) GetPositions(context.Context) ([]broker.Position, error) { return nil, nil }
func (m *mockEquity) GetOpenOrders(context.Context, string) ([]broker.Order, error) {
	return nil, nil
}
func (m *mockEquity) CancelOrder(context.Context, string) error { return nil }
func (m *mockEquity) CancelAllOrders(context.Context) error     { return nil }
func (m *mockEquity) PlaceOrder(context.Context, broker.OrderIntent) (*broker.Order, error) {
	return nil, nil
}
func (m *mockEquity) PlaceBracket(context.Context, broker.OrderIntent) (*broker.Order, error) {
	return nil, nil
}
func (m *mockEquity) GetLatestBar(context.Context, string) (*broker.Bar, error) { return nil, nil }
func (m *mockEquity) GetBars(context.Context, string, string, int) ([]broker.Bar, error) {
	return nil, nil
}
func (m *mockEquity) GetMarketHistory(context.Context, string, int) ([]broker.Bar, error) {
	return m.bars, nil
}
func (m *mockEquity) IsMarketOpen(context.Context) (bool, error) { return true, nil }
func (m *mockEquity) Delegate() broker.Equity                    { return m }

// scriptedStrategy buys whenever the close is at or below its trigger.
type scriptedStrategy struct {
	trigger float64
}

func (s scriptedStrategy) Name() string { return "scripted" }

func (s scriptedStrategy) Evaluate(in strategy.Input) strategy.Signal {
	if in.Qty == 0 && in.Price <= s.trigger {
		return strategy.BuySignal("price at trigger")
	}
	return strategy.HoldSignal("waiting")
}

func flatBar(ts time.Time, price float64) broker.Bar {
	return broker.Bar{Timestamp: ts, Open: price, High: price, Low: price, Close: price, Volume: 1000}
}

func testSeries() []broker.Bar {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []broker.Bar
	for i := 0; i < 30; i++ {
		bars = append(bars, flatBar(start.AddDate(0, 0, i), 100))
	}
	day := func(i int) time.Time { return start.AddDate(0, 0, 30+i) }

	// Buy at 100, take profit at 103 on the next bar's high.
	bars = append(bars, flatBar(day(0), 100))
	bars = append(bars, broker.Bar{Timestamp: day(1), Open: 101, High: 104, Low: 100, Close: 103, Volume: 1000})
	// Re-enter at 100, stop out at 98 on the following bar's low. The bar
	// closes back above the trigger so the script does not re-enter.
	bars = append(bars, flatBar(day(2), 100))
	bars = append(bars, broker.Bar{Timestamp: day(3), Open: 99, High: 101, Low: 97, Close: 100.5, Volume: 1000})
	bars = append(bars, broker.Bar{Timestamp: day(4), Open: 110, High: 110, Low: 110, Close: 110, Volume: 1000})
	return bars
}

func TestRunBracketedReplay(t *testing.T) {
	e := NewEngine(&mockEquity{bars: testSeries()}, scriptedStrategy{trigger: 100}, zerolog.Nop())

	result, err := e.Run(context.Background(), Config{
		Symbol:         "AAPL",
		Days:           5,
		InitialCapital: 10000,
		TakeProfitPct:  0.03,
		StopLossPct:    0.02,
	})
	if err != nil {
		t.Fatalf("Should run the backtest, got %v", err)
	}

	if result.TotalTrades != 2 {
		t.Fatalf("Should close 2 trades, got %d", result.TotalTrades)
	}
	if result.WinningTrades != 1 || result.LosingTrades != 1 {
		t.Errorf("Should split 1 win / 1 loss, got %d/%d", result.WinningTrades, result.LosingTrades)
	}
	if result.WinRate != 0.5 {
		t.Errorf("Should report a 0.5 win rate, got %v", result.WinRate)
	}

	first := result.Trades[0]
	if first.ExitPrice != 103 || first.ExitReason != "take profit" {
		t.Errorf("Should take profit at 103, got %v (%s)", first.ExitPrice, first.ExitReason)
	}
	second := result.Trades[1]
	if second.ExitPrice != 98 || second.ExitReason != "stop loss" {
		t.Errorf("Should stop out at 98, got %v (%s)", second.ExitPrice, second.ExitReason)
	}

	if result.FinalCapital <= 10000 {
		t.Errorf("Should end ahead on a +3%%/-2%% split, got %v", result.FinalCapital)
	}
	if result.MaxDrawdown <= 0 {
		t.Error("Should record a drawdown from the losing trade")
	}
}

func TestRunStopWinsWhenBarStraddlesBoth(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []broker.Bar
	for i := 0; i < 30; i++ {
		bars = append(bars, flatBar(start.AddDate(0, 0, i), 100))
	}
	bars = append(bars, flatBar(start.AddDate(0, 0, 30), 100))
	bars = append(bars, broker.Bar{
		Timestamp: start.AddDate(0, 0, 31),
		Open:      100, High: 105, Low: 95, Close: 100, Volume: 1000,
	})

	e := NewEngine(&mockEquity{bars: bars}, scriptedStrategy{trigger: 100}, zerolog.Nop())
	result, err := e.Run(context.Background(), Config{
		Symbol: "AAPL", Days: 2, InitialCapital: 10000, TakeProfitPct: 0.03, StopLossPct: 0.02,
	})
	if err != nil {
		t.Fatalf("Should run, got %v", err)
	}
	if len(result.Trades) == 0 || result.Trades[0].ExitReason != "stop loss" {
		t.Errorf("Should take the pessimistic stop fill, got %+v", result.Trades)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	e := NewEngine(&mockEquity{}, scriptedStrategy{}, zerolog.Nop())
	if _, err := e.Run(context.Background(), Config{Symbol: "AAPL"}); err == nil {
		t.Error("Should reject zero days and capital")
	}
	if _, err := e.Run(context.Background(), Config{
		Symbol: "AAPL", Days: 5, InitialCapital: 1000,
	}); err == nil {
		t.Error("Should reject missing TP/SL")
	}
}

func TestRunRequiresHistory(t *testing.T) {
	e := NewEngine(&mockEquity{bars: []broker.Bar{flatBar(time.Now(), 100)}}, scriptedStrategy{}, zerolog.Nop())
	if _, err := e.Run(context.Background(), Config{
		Symbol: "AAPL", Days: 5, InitialCapital: 1000, TakeProfitPct: 0.03, StopLossPct: 0.02,
	}); err == nil {
		t.Error("Should fail on insufficient history")
	}
}
