package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/book"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/exits"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/regime"
	"multi-asset-trading-bot/internal/state"
)

func testRunner(t *testing.T, role string, eq *fakeEquity) *ProfileRunner {
	t.Helper()
	cfg := config.Defaults()
	deps := &Services{
		Cfg:        cfg,
		Equity:     eq,
		Indicators: indicators.NewRegistry(),
		Regime:     regime.NewDetector(cfg.Regime, zerolog.Nop()),
		Exits:      exits.New(cfg.Exits, cfg.Features, zerolog.Nop()),
		Perf:       state.NewPerformanceStats(),
		Heartbeats: state.NewHeartbeatTable(),
		Bus:        events.NewBus(),
		Logger:     zerolog.Nop(),
	}
	return NewProfileRunner(config.ProfileConfig{
		ID:            "p1",
		Role:          role,
		TakeProfitPct: 0.05,
		StopLossPct:   0.02,
		TrailingPct:   0.01,
		MaxPositions:  1,
	}, deps)
}

func stoppedOutPosition() book.Position {
	return book.Position{
		Symbol:     "AAPL",
		Qty:        10,
		EntryPrice: 100,
		EntryTime:  time.Now().Add(-time.Hour),
		StopLoss:   98,
		TakeProfit: 105,
	}
}

func TestMainProfileExecutesExits(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, RoleMain, eq)
	r.book.Set(stoppedOutPosition())

	full := r.evaluateAndExecuteExits(context.Background(), "AAPL", 94, true)

	if !full {
		t.Fatal("Should report a full exit at a price below the stop")
	}
	if len(eq.orders) != 1 || eq.orders[0].Side != broker.SideSell {
		t.Fatalf("Should send one sell order, got %+v", eq.orders)
	}
	if r.book.Has("AAPL") {
		t.Error("Should remove the position after the exit")
	}
}

func TestFullExitCancelsRestingBracketLegs(t *testing.T) {
	eq := &fakeEquity{
		open: []broker.Order{
			{ID: "TP1", Symbol: "AAPL", Status: "new"},
			{ID: "SL1", Symbol: "AAPL", Status: "new"},
			{ID: "X1", Symbol: "MSFT", Status: "new"},
		},
	}
	r := testRunner(t, RoleMain, eq)
	r.book.Set(stoppedOutPosition())

	full := r.evaluateAndExecuteExits(context.Background(), "AAPL", 94, true)

	if !full {
		t.Fatal("Should fully exit below the stop")
	}
	if len(eq.cancels) != 2 {
		t.Fatalf("Should cancel both resting bracket legs first, got %v", eq.cancels)
	}
	for _, id := range eq.cancels {
		if id != "TP1" && id != "SL1" {
			t.Errorf("Should only cancel orders for the exited symbol, got %s", id)
		}
	}
	if len(eq.orders) != 1 || eq.orders[0].Side != broker.SideSell {
		t.Fatalf("Should still send the market sell, got %+v", eq.orders)
	}
}

func TestTakeProfitExitIgnoresMinHold(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, RoleMain, eq)
	r.cfg.MinHold = time.Hour
	r.book.Set(book.Position{
		Symbol: "AAPL", Qty: 10, EntryPrice: 100,
		EntryTime: time.Now().Add(-time.Minute),
		StopLoss:  98, TakeProfit: 105,
	})

	full := r.evaluateAndExecuteExits(context.Background(), "AAPL", 106, true)

	if !full {
		t.Fatal("Should flatten a young position once the target is hit")
	}
	if len(eq.orders) != 1 || eq.orders[0].Side != broker.SideSell {
		t.Fatalf("Should send one sell order, got %+v", eq.orders)
	}
	if r.book.Has("AAPL") {
		t.Error("Should remove the position after the exit")
	}
}

func TestNonMainProfileNeverSendsExits(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, "secondary", eq)
	r.book.Set(stoppedOutPosition())

	full := r.evaluateAndExecuteExits(context.Background(), "AAPL", 94, true)

	if full {
		t.Error("Should not report an exit it is not allowed to execute")
	}
	if len(eq.orders) != 0 {
		t.Fatalf("Should never send orders from a non-main profile, got %+v", eq.orders)
	}
	if !r.book.Has("AAPL") {
		t.Error("Should keep the position in the book")
	}
}

func TestStopLossExitStartsCooldown(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, RoleMain, eq)
	r.deps.Cfg.Features.StopLossCooldown = true
	r.deps.Cfg.CryptoLoop.CooldownAfterStopLoss = time.Hour
	r.book.Set(stoppedOutPosition())

	r.evaluateAndExecuteExits(context.Background(), "AAPL", 94, true)

	if !r.cooldowns.Active("AAPL") {
		t.Error("Should start the post-stop-loss cooldown")
	}
}

func TestCleanupOverCapExitsWorstFirst(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, RoleMain, eq)

	positions := []broker.Position{
		{Symbol: "AAPL", Quantity: 10, CurrentPrice: 150, UnrealizedPnL: 50},
		{Symbol: "MSFT", Quantity: 5, CurrentPrice: 400, UnrealizedPnL: -80},
		{Symbol: "NVDA", Quantity: 2, CurrentPrice: 800, UnrealizedPnL: -20},
	}
	r.cleanupOverCap(context.Background(), positions, nil)

	if len(eq.orders) != 2 {
		t.Fatalf("Should exit 2 positions to fit the cap of 1, got %d", len(eq.orders))
	}
	if eq.orders[0].Symbol != "MSFT" || eq.orders[1].Symbol != "NVDA" {
		t.Errorf("Should exit worst P&L first, got %s then %s",
			eq.orders[0].Symbol, eq.orders[1].Symbol)
	}
	if eq.orders[0].Side != broker.SideSell {
		t.Error("Should flatten longs with sells")
	}
}

func TestStrategySellHonorsMinHoldAndRole(t *testing.T) {
	eq := &fakeEquity{}
	r := testRunner(t, RoleMain, eq)
	r.cfg.MinHold = time.Hour
	r.book.Set(book.Position{Symbol: "AAPL", Qty: 10, EntryPrice: 100, EntryTime: time.Now()})

	r.executeStrategySell(context.Background(), "AAPL", 10, 101, "macd crossed down")
	if len(eq.orders) != 0 {
		t.Fatalf("Should hold through min-hold, got %+v", eq.orders)
	}

	r.book.Update("AAPL", func(p *book.Position) {
		p.EntryTime = time.Now().Add(-2 * time.Hour)
	})
	r.executeStrategySell(context.Background(), "AAPL", 10, 101, "macd crossed down")
	if len(eq.orders) != 1 || eq.orders[0].Side != broker.SideSell {
		t.Fatalf("Should sell after min-hold, got %+v", eq.orders)
	}
	if r.book.Has("AAPL") {
		t.Error("Should remove the position after the strategy sell")
	}

	eq2 := &fakeEquity{}
	r2 := testRunner(t, "secondary", eq2)
	r2.book.Set(book.Position{
		Symbol: "AAPL", Qty: 10, EntryPrice: 100,
		EntryTime: time.Now().Add(-2 * time.Hour),
	})
	r2.executeStrategySell(context.Background(), "AAPL", 10, 101, "macd crossed down")
	if len(eq2.orders) != 0 {
		t.Fatalf("Should never sell from a non-main profile, got %+v", eq2.orders)
	}
}

func TestPDTProtectionVetoesSmallAccountEntries(t *testing.T) {
	r := testRunner(t, RoleMain, &fakeEquity{})

	if !r.pdtBlocked(10000) {
		t.Error("Should block day-trade entries under the $25k minimum")
	}
	if r.pdtBlocked(30000) {
		t.Error("Should allow entries above the minimum")
	}

	r.deps.Cfg.Exits.EODExitTimeET = ""
	if r.pdtBlocked(10000) {
		t.Error("Should allow swing entries when no same-day flatten is configured")
	}

	r.deps.Cfg.Exits.EODExitTimeET = "15:30"
	r.deps.Cfg.Features.PDTProtection = false
	if r.pdtBlocked(10000) {
		t.Error("Should stand down when the feature is disabled")
	}
}

func TestPauseBlocksTrading(t *testing.T) {
	r := testRunner(t, RoleMain, &fakeEquity{})
	if r.Paused() {
		t.Error("Should start unpaused")
	}
	r.Pause()
	if !r.Paused() {
		t.Error("Should pause")
	}
	r.Resume()
	if r.Paused() {
		t.Error("Should resume")
	}
}
