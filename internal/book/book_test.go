package book

import (
	"testing"
	"time"
)

func TestSetGetRemove(t *testing.T) {
	b := New()

	b.Set(Position{Symbol: "BTC/USD", Qty: 0.5, EntryPrice: 50000})
	p, ok := b.Get("BTC/USD")
	if !ok || p.Qty != 0.5 {
		t.Errorf("Should get the stored position, got %+v ok=%v", p, ok)
	}

	removed, ok := b.Remove("BTC/USD")
	if !ok || removed.Symbol != "BTC/USD" {
		t.Error("Should return the removed position")
	}
	if b.Len() != 0 {
		t.Error("Should be empty after remove")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	b := New()
	b.Set(Position{Symbol: "ETH/USD", Qty: 1})

	p, _ := b.Get("ETH/USD")
	p.Qty = 99

	stored, _ := b.Get("ETH/USD")
	if stored.Qty != 1 {
		t.Error("Should not let callers mutate the book through a Get copy")
	}
}

func TestUpdateIsAtomicView(t *testing.T) {
	b := New()
	b.Set(Position{Symbol: "BTC/USD", Qty: 1, StopLoss: 49000})

	ok := b.Update("BTC/USD", func(p *Position) {
		if 49500 > p.StopLoss {
			p.StopLoss = 49500
		}
	})
	if !ok {
		t.Error("Should update a tracked symbol")
	}
	p, _ := b.Get("BTC/USD")
	if p.StopLoss != 49500 {
		t.Errorf("Should ratchet the stop to 49500, got %v", p.StopLoss)
	}

	if b.Update("DOGE/USD", func(p *Position) {}) {
		t.Error("Should report false for an untracked symbol")
	}
}

func TestReduceQtyRemovesDust(t *testing.T) {
	b := New()
	b.Set(Position{Symbol: "BTC/USD", Qty: 1.0})

	b.ReduceQty("BTC/USD", 0.25, 1e-8)
	p, _ := b.Get("BTC/USD")
	if p.Qty != 0.75 {
		t.Errorf("Should hold 0.75 after a 25%% sell, got %v", p.Qty)
	}

	b.ReduceQty("BTC/USD", 0.75, 1e-8)
	if b.Has("BTC/USD") {
		t.Error("Should drop the position once only dust remains")
	}
}

func TestSnapshotSorted(t *testing.T) {
	b := New()
	b.Set(Position{Symbol: "ETH/USD"})
	b.Set(Position{Symbol: "ADA/USD"})
	b.Set(Position{Symbol: "BTC/USD"})

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Should snapshot 3 positions, got %d", len(snap))
	}
	if snap[0].Symbol != "ADA/USD" || snap[2].Symbol != "ETH/USD" {
		t.Errorf("Should sort by symbol, got %v %v %v",
			snap[0].Symbol, snap[1].Symbol, snap[2].Symbol)
	}
}

func TestPnLPct(t *testing.T) {
	p := Position{Symbol: "BTC/USD", Qty: 2, EntryPrice: 100, EntryTime: time.Now()}
	if got := p.PnLPct(101); got < 0.00999 || got > 0.01001 {
		t.Errorf("Should be +1%%, got %v", got)
	}
	if got := p.PnL(101); got != 2.0 {
		t.Errorf("Should be $2 unrealized, got %v", got)
	}
	zero := Position{}
	if zero.PnLPct(100) != 0 {
		t.Error("Should return 0 for an uninitialized entry price")
	}
}
