package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/book"
)

func TestFallbackRoundTrip(t *testing.T) {
	s := NewStateStore(nil, "test", zerolog.Nop())
	if !s.Degraded() {
		t.Error("Should start degraded with no Redis client")
	}

	ctx := context.Background()
	p := book.Position{
		Symbol:         "BTC/USD",
		Qty:            0.019,
		EntryPrice:     50000,
		EntryTime:      time.Now().UTC().Truncate(time.Second),
		TrailingActive: true,
		HighWater:      51000,
		PartialLevel:   1,
		PartialSold:    0.25,
	}
	s.SavePosition(ctx, p)

	got, ok := s.LoadPosition(ctx, "BTC/USD")
	if !ok {
		t.Fatal("Should load the saved position")
	}
	if got.HighWater != 51000 || !got.TrailingActive || got.PartialSold != 0.25 {
		t.Errorf("Should round-trip exit state, got %+v", got)
	}

	s.DeletePosition(ctx, "BTC/USD")
	if _, ok := s.LoadPosition(ctx, "BTC/USD"); ok {
		t.Error("Should forget deleted positions")
	}
}

func TestCooldownExpiry(t *testing.T) {
	s := NewStateStore(nil, "test", zerolog.Nop())
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	s.SaveCooldown(ctx, "ETH/USD", until)

	got, ok := s.LoadCooldown(ctx, "ETH/USD")
	if !ok {
		t.Fatal("Should load an active cooldown")
	}
	if got.Sub(until) > time.Second || until.Sub(got) > time.Second {
		t.Errorf("Should keep the deadline, got %v want %v", got, until)
	}

	// Expired deadlines are not persisted at all.
	s.SaveCooldown(ctx, "SOL/USD", time.Now().Add(-time.Minute))
	if _, ok := s.LoadCooldown(ctx, "SOL/USD"); ok {
		t.Error("Should not persist an already-expired cooldown")
	}
}

func TestScopesDoNotCollide(t *testing.T) {
	a := NewStateStore(nil, "main", zerolog.Nop())
	if a.positionKey("BTC/USD") == a.cooldownKey("BTC/USD") {
		t.Error("Should keep position and cooldown keys distinct")
	}
	b := NewStateStore(nil, "crypto", zerolog.Nop())
	if a.positionKey("BTC/USD") == b.positionKey("BTC/USD") {
		t.Error("Should namespace keys by scope")
	}
}
