package kraken

import (
	"testing"
)

func TestQuoteStreamTranslatesWirePairNames(t *testing.T) {
	qs := NewQuoteStream("wss://example.invalid", 5000, testLogger())
	qs.setSymbols([]string{"BTC/USD", "ETH/USD"})

	if qs.symbols[0] != "XBT/USD" || qs.symbols[1] != "ETH/USD" {
		t.Fatalf("Should subscribe with the exchange spelling, got %v", qs.symbols)
	}

	var gotSymbol string
	var gotLast float64
	qs.OnTicker = func(symbol string, last, bid, ask float64) {
		gotSymbol, gotLast = symbol, last
	}

	// Ticker frames echo the wire spelling of the pair.
	qs.handleFrame([]byte(`[42,{"c":["50000.0","0.01"],"b":["49990.0","1","1.0"],"a":["50010.0","1","1.0"]},"ticker","XBT/USD"]`))

	price, ok := qs.Price("BTC/USD")
	if !ok || price != 50000 {
		t.Fatalf("Should cache the quote under the caller's symbol, got %v ok=%v", price, ok)
	}
	if _, ok := qs.Price("XBT/USD"); ok {
		t.Error("Should not leak the wire spelling to callers")
	}
	if gotSymbol != "BTC/USD" || gotLast != 50000 {
		t.Errorf("Should publish ticker updates under the caller's symbol, got %s %v", gotSymbol, gotLast)
	}

	bid, ask, ok := qs.BidAsk("BTC/USD")
	if !ok || bid != 49990 || ask != 50010 {
		t.Errorf("Should cache top of book, got %v/%v ok=%v", bid, ask, ok)
	}
}

func TestQuoteStreamIgnoresNonTickerFrames(t *testing.T) {
	qs := NewQuoteStream("wss://example.invalid", 5000, testLogger())
	qs.setSymbols([]string{"ETH/USD"})

	qs.handleFrame([]byte(`{"event":"heartbeat"}`))
	qs.handleFrame([]byte(`[42,{"c":["0","0"]},"ticker","ETH/USD"]`))

	if _, ok := qs.Price("ETH/USD"); ok {
		t.Error("Should not cache heartbeat or zero-price frames")
	}
}
