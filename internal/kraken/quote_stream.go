package kraken

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// QuoteStream is a single-connection public ticker stream. It caches per-pair
// last prices; readers get nothing once a quote is older than the staleness
// bound. A connect failure never crashes the system; callers fall back to
// REST via PriceSource.
type QuoteStream struct {
	url       string
	staleness time.Duration
	logger    zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	symbols   []string
	// wireNames maps the exchange's pair spelling (XBT/USD) back to the
	// symbol the caller subscribed with (BTC/USD).
	wireNames map[string]string
	quotes    map[string]cachedQuote

	stopCh  chan struct{}
	stopped bool

	// OnTicker, when set, receives every ticker update (for indicators).
	OnTicker func(symbol string, last, bid, ask float64)
}

type cachedQuote struct {
	price float64
	bid   float64
	ask   float64
	ts    time.Time
}

// NewQuoteStream creates a stream for the given public WS endpoint.
func NewQuoteStream(url string, stalenessMs int, logger zerolog.Logger) *QuoteStream {
	if stalenessMs <= 0 {
		stalenessMs = 5000
	}
	return &QuoteStream{
		url:       url,
		staleness: time.Duration(stalenessMs) * time.Millisecond,
		logger:    logger.With().Str("component", "quote_stream").Logger(),
		wireNames: make(map[string]string),
		quotes:    make(map[string]cachedQuote),
		stopCh:    make(chan struct{}),
	}
}

// Start connects and runs the read loop with reconnects until Stop or ctx
// cancellation. It returns immediately; the loop runs in its own goroutine.
func (qs *QuoteStream) Start(ctx context.Context, symbols []string) {
	qs.setSymbols(symbols)
	go qs.run(ctx)
}

// setSymbols records the subscription set and the wire-name aliases. The
// exchange spells Bitcoin pairs XBT on the wire and echoes that spelling in
// ticker frames, so every cached quote must translate back before callers
// see it.
func (qs *QuoteStream) setSymbols(symbols []string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.symbols = qs.symbols[:0]
	for _, s := range symbols {
		wire := wsPairName(s)
		qs.symbols = append(qs.symbols, wire)
		qs.wireNames[wire] = s
	}
}

// run is the connect/read/reconnect loop with jittered backoff capped at 60s.
func (qs *QuoteStream) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-qs.stopCh:
			return
		default:
		}

		if err := qs.connect(); err != nil {
			qs.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("quote stream connect failed")
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return
			case <-qs.stopCh:
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		qs.readLoop(ctx)

		qs.mu.Lock()
		qs.connected = false
		if qs.conn != nil {
			qs.conn.Close()
			qs.conn = nil
		}
		stopped := qs.stopped
		qs.mu.Unlock()
		if stopped {
			return
		}
		qs.logger.Info().Msg("quote stream disconnected, reconnecting")
	}
}

// connect dials and resubscribes to the initial symbol set.
func (qs *QuoteStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(qs.url, nil)
	if err != nil {
		return err
	}

	qs.mu.Lock()
	symbols := append([]string(nil), qs.symbols...)
	qs.conn = conn
	qs.connected = true
	qs.mu.Unlock()

	sub := map[string]interface{}{
		"event":        "subscribe",
		"pair":         symbols,
		"subscription": map[string]string{"name": "ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		qs.mu.Lock()
		qs.connected = false
		qs.conn = nil
		qs.mu.Unlock()
		return err
	}
	qs.logger.Info().Strs("pairs", symbols).Msg("quote stream subscribed")
	return nil
}

// readLoop consumes frames until the socket errors or the stream stops.
func (qs *QuoteStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-qs.stopCh:
			return
		default:
		}

		qs.mu.RLock()
		conn := qs.conn
		qs.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			qs.logger.Debug().Err(err).Msg("quote stream read error")
			return
		}
		qs.handleFrame(data)
	}
}

// handleFrame parses the exchange's array-framed ticker updates:
// [channelID, {"c": ["price", ...], "b": [...], "a": [...]}, "ticker", "PAIR"].
func (qs *QuoteStream) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		// Event frames ({"event": "heartbeat"}) are not arrays; ignore.
		return
	}
	if len(frame) < 4 {
		return
	}
	var channel, pair string
	if err := json.Unmarshal(frame[2], &channel); err != nil || channel != "ticker" {
		return
	}
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return
	}
	var payload struct {
		Last []string `json:"c"`
		Bid  []string `json:"b"`
		Ask  []string `json:"a"`
	}
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return
	}
	last := firstFloat(payload.Last)
	if last <= 0 {
		return
	}
	bid := firstFloat(payload.Bid)
	ask := firstFloat(payload.Ask)

	qs.mu.Lock()
	symbol, ok := qs.wireNames[pair]
	if !ok {
		symbol = pair
	}
	qs.quotes[symbol] = cachedQuote{price: last, bid: bid, ask: ask, ts: time.Now()}
	cb := qs.OnTicker
	qs.mu.Unlock()

	if cb != nil {
		cb(symbol, last, bid, ask)
	}
}

// Price returns the cached last price, or ok=false when missing or stale.
func (qs *QuoteStream) Price(symbol string) (float64, bool) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, ok := qs.quotes[symbol]
	if !ok || time.Since(q.ts) > qs.staleness {
		return 0, false
	}
	return q.price, true
}

// BidAsk returns the cached top of book, or ok=false when missing or stale.
func (qs *QuoteStream) BidAsk(symbol string) (bid, ask float64, ok bool) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, found := qs.quotes[symbol]
	if !found || time.Since(q.ts) > qs.staleness {
		return 0, 0, false
	}
	return q.bid, q.ask, true
}

// IsConnected reports the socket state.
func (qs *QuoteStream) IsConnected() bool {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.connected
}

// Stop closes the socket and refuses reconnects.
func (qs *QuoteStream) Stop() {
	qs.mu.Lock()
	if qs.stopped {
		qs.mu.Unlock()
		return
	}
	qs.stopped = true
	close(qs.stopCh)
	if qs.conn != nil {
		qs.conn.Close()
	}
	qs.mu.Unlock()
}
