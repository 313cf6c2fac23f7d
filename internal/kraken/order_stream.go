package kraken

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
)

// GetWebSocketsToken fetches the short-lived token that authenticates the
// private WebSocket.
func (c *Client) GetWebSocketsToken(ctx context.Context) (string, error) {
	var result struct {
		Token string `json:"token"`
	}
	if err := c.private(ctx, "/0/private/GetWebSocketsToken", nil, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// OrderResult is the echo of one WS order request.
type OrderResult struct {
	OrderID string
	Err     error
}

type pendingRequest struct {
	ch chan OrderResult
}

// OrderStream is the private WebSocket for order placement and execution
// events. Requests return a future that completes when the exchange echoes
// the order id or an error; the request deadline surfaces as a Timeout error.
// Execution and balance events feed the crypto loop through callbacks.
type OrderStream struct {
	url     string
	timeout time.Duration
	token   func(ctx context.Context) (string, error)
	logger  zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	authToken string
	pending   map[int64]pendingRequest
	nextReqID int64

	stopCh  chan struct{}
	stopped bool

	// OnExecution receives own-trade fills; OnBalance receives balance
	// snapshots pushed by the exchange.
	OnExecution func(fill broker.Fill)
	OnBalance   func(asset string, amount float64)
}

// NewOrderStream creates the private stream. token is called on every
// (re)connect, typically Client.GetWebSocketsToken.
func NewOrderStream(wsURL string, timeout time.Duration, token func(ctx context.Context) (string, error), logger zerolog.Logger) *OrderStream {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OrderStream{
		url:     wsURL,
		timeout: timeout,
		token:   token,
		logger:  logger.With().Str("component", "order_stream").Logger(),
		pending: make(map[int64]pendingRequest),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the connect/read/reconnect loop in its own goroutine.
func (os *OrderStream) Start(ctx context.Context) {
	go os.run(ctx)
}

func (os *OrderStream) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-os.stopCh:
			return
		default:
		}

		if err := os.connect(ctx); err != nil {
			os.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("order stream connect failed")
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return
			case <-os.stopCh:
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		os.readLoop(ctx)

		os.mu.Lock()
		os.connected = false
		if os.conn != nil {
			os.conn.Close()
			os.conn = nil
		}
		// Fail everything in flight; the socket they rode is gone.
		for id, req := range os.pending {
			req.ch <- OrderResult{Err: broker.NewError(broker.KindNetwork, "order stream disconnected")}
			delete(os.pending, id)
		}
		stopped := os.stopped
		os.mu.Unlock()
		if stopped {
			return
		}
		os.logger.Info().Msg("order stream disconnected, reconnecting")
	}
}

func (os *OrderStream) connect(ctx context.Context) error {
	token, err := os.token(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(os.url, nil)
	if err != nil {
		return err
	}

	os.mu.Lock()
	os.conn = conn
	os.connected = true
	os.authToken = token
	os.mu.Unlock()

	// Subscribe to own trades and balance pushes.
	for _, name := range []string{"ownTrades", "balances"} {
		sub := map[string]interface{}{
			"event":        "subscribe",
			"subscription": map[string]string{"name": name, "token": token},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			os.mu.Lock()
			os.connected = false
			os.conn = nil
			os.mu.Unlock()
			return err
		}
	}
	os.logger.Info().Msg("order stream connected")
	return nil
}

func (os *OrderStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-os.stopCh:
			return
		default:
		}

		os.mu.RLock()
		conn := os.conn
		os.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			os.logger.Debug().Err(err).Msg("order stream read error")
			return
		}
		os.handleFrame(data)
	}
}

func (os *OrderStream) handleFrame(data []byte) {
	// Event frames are objects; subscription data arrives as arrays.
	var event struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ReqID        int64  `json:"reqid"`
		TxID         string `json:"txid"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &event); err == nil && event.Event != "" {
		if event.Event == "addOrderStatus" {
			os.resolve(event.ReqID, event.Status, event.TxID, event.ErrorMessage)
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}
	var channel string
	// [payload, "channelName", ...]
	if err := json.Unmarshal(frame[1], &channel); err != nil {
		return
	}
	switch channel {
	case "ownTrades":
		os.handleOwnTrades(frame[0])
	case "balances":
		os.handleBalances(frame[0])
	}
}

func (os *OrderStream) handleOwnTrades(raw json.RawMessage) {
	cb := os.execCallback()
	if cb == nil {
		return
	}
	var batches []map[string]struct {
		Pair   string  `json:"pair"`
		Type   string  `json:"type"`
		Price  float64 `json:"price,string"`
		Volume float64 `json:"vol,string"`
		Time   float64 `json:"time,string"`
	}
	if err := json.Unmarshal(raw, &batches); err != nil {
		return
	}
	for _, batch := range batches {
		for _, t := range batch {
			cb(broker.Fill{
				Symbol:    t.Pair,
				Side:      broker.Side(t.Type),
				Price:     t.Price,
				Quantity:  t.Volume,
				Timestamp: time.Unix(int64(t.Time), 0),
			})
		}
	}
}

func (os *OrderStream) handleBalances(raw json.RawMessage) {
	os.mu.RLock()
	cb := os.OnBalance
	os.mu.RUnlock()
	if cb == nil {
		return
	}
	var balances map[string]string
	if err := json.Unmarshal(raw, &balances); err != nil {
		return
	}
	for asset, v := range balances {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cb(asset, f)
		}
	}
}

func (os *OrderStream) execCallback() func(broker.Fill) {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.OnExecution
}

func (os *OrderStream) resolve(reqID int64, status, txid, errMsg string) {
	os.mu.Lock()
	req, ok := os.pending[reqID]
	if ok {
		delete(os.pending, reqID)
	}
	os.mu.Unlock()
	if !ok {
		return
	}
	if status == "ok" {
		req.ch <- OrderResult{OrderID: txid}
		return
	}
	req.ch <- OrderResult{Err: mapAPIError(errMsg)}
}

// submit sends an addOrder request and returns its future.
func (os *OrderStream) submit(payload map[string]interface{}) <-chan OrderResult {
	ch := make(chan OrderResult, 1)

	os.mu.Lock()
	if !os.connected || os.conn == nil {
		os.mu.Unlock()
		ch <- OrderResult{Err: broker.NewError(broker.KindNetwork, "order stream not connected")}
		return ch
	}
	os.nextReqID++
	reqID := os.nextReqID
	os.pending[reqID] = pendingRequest{ch: ch}
	payload["reqid"] = reqID
	payload["token"] = os.authToken
	conn := os.conn
	os.mu.Unlock()

	if err := conn.WriteJSON(payload); err != nil {
		os.mu.Lock()
		delete(os.pending, reqID)
		os.mu.Unlock()
		ch <- OrderResult{Err: broker.WrapError(broker.KindNetwork, "order stream write", err)}
		return ch
	}

	// Expire the request after the WS deadline.
	go func() {
		timer := time.NewTimer(os.timeout)
		defer timer.Stop()
		<-timer.C
		os.mu.Lock()
		req, ok := os.pending[reqID]
		if ok {
			delete(os.pending, reqID)
		}
		os.mu.Unlock()
		if ok {
			req.ch <- OrderResult{Err: broker.NewError(broker.KindTimeout, "order request deadline exceeded")}
		}
	}()
	return ch
}

// PlaceLimit submits a limit order over the socket, returning a future.
func (os *OrderStream) PlaceLimit(pair string, side broker.Side, qty, price float64) <-chan OrderResult {
	return os.submit(map[string]interface{}{
		"event":     "addOrder",
		"ordertype": "limit",
		"type":      string(side),
		"pair":      wsPairName(pair),
		"volume":    strconv.FormatFloat(qty, 'f', -1, 64),
		"price":     strconv.FormatFloat(price, 'f', -1, 64),
	})
}

// PlaceMarket submits a market order over the socket, returning a future.
func (os *OrderStream) PlaceMarket(pair string, side broker.Side, qty float64) <-chan OrderResult {
	return os.submit(map[string]interface{}{
		"event":     "addOrder",
		"ordertype": "market",
		"type":      string(side),
		"pair":      wsPairName(pair),
		"volume":    strconv.FormatFloat(qty, 'f', -1, 64),
	})
}

// wsPairName keeps the slash form the WS API expects, mapping BTC to XBT.
func wsPairName(symbol string) string {
	if len(symbol) >= 3 && symbol[:3] == "BTC" {
		return "XBT" + symbol[3:]
	}
	return symbol
}

// IsConnected reports the socket state; callers fall back to REST when false.
func (os *OrderStream) IsConnected() bool {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.connected
}

// Stop closes the socket and refuses reconnects.
func (os *OrderStream) Stop() {
	os.mu.Lock()
	if os.stopped {
		os.mu.Unlock()
		return
	}
	os.stopped = true
	close(os.stopCh)
	if os.conn != nil {
		os.conn.Close()
	}
	os.mu.Unlock()
}
