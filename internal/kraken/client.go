package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"multi-asset-trading-bot/internal/broker"
)

// Client is the REST client for the crypto exchange. It implements
// broker.Crypto; resilience lives in the wrapper, not here.
type Client struct {
	mu         sync.RWMutex // guards the credential pair
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. The secret is the exchange's base64-encoded
// private key.
func NewClient(apiKey, apiSecret, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Delegate returns the client itself; it is already unwrapped.
func (c *Client) Delegate() broker.Crypto { return c }

// SetCredentials swaps the API key pair. Used by the auth self-heal path
// after a credential rotation.
func (c *Client) SetCredentials(apiKey, apiSecret string) {
	c.mu.Lock()
	c.apiKey = apiKey
	c.apiSecret = apiSecret
	c.mu.Unlock()
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.apiSecret
}

// pairName converts "BTC/USD" to the exchange's pair spelling ("XBTUSD").
func pairName(symbol string) string {
	pair := strings.ReplaceAll(symbol, "/", "")
	if strings.HasPrefix(pair, "BTC") {
		pair = "XBT" + pair[3:]
	}
	return pair
}

type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// mapAPIError converts the exchange's E-prefixed error strings to kinds.
func mapAPIError(msg string) *broker.Error {
	switch {
	case strings.Contains(msg, "Rate limit"):
		return broker.NewError(broker.KindRateLimit, msg)
	case strings.Contains(msg, "Insufficient funds"):
		return broker.NewError(broker.KindInsufficientFunds, msg)
	case strings.Contains(msg, "Invalid key"), strings.Contains(msg, "Invalid signature"),
		strings.Contains(msg, "Permission denied"):
		return broker.NewError(broker.KindAuth, msg)
	case strings.Contains(msg, "Invalid arguments"), strings.Contains(msg, "Invalid order"),
		strings.Contains(msg, "volume minimum not met"):
		return broker.NewError(broker.KindValidation, msg)
	case strings.Contains(msg, "Unknown order"):
		return broker.NewError(broker.KindNotFound, msg)
	case strings.Contains(msg, "Unknown asset pair"):
		return broker.NewError(broker.KindNotFound, msg)
	default:
		return broker.NewError(broker.KindInternal, msg)
	}
}

func mapTransportError(err error) *broker.Error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return broker.WrapError(broker.KindTimeout, "request timed out", err)
	}
	return broker.WrapError(broker.KindNetwork, "request failed", err)
}

// public issues an unauthenticated GET and decodes result into out.
func (c *Client) public(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return broker.WrapError(broker.KindInternal, "build request", err)
	}
	return c.do(req, out)
}

// private issues a signed POST and decodes result into out.
func (c *Client) private(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	params.Set("nonce", nonce)
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return broker.WrapError(broker.KindInternal, "build request", err)
	}
	key, secret := c.credentials()
	sig, err := sign(secret, path, nonce, body)
	if err != nil {
		return broker.WrapError(broker.KindAuth, "sign request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", key)
	req.Header.Set("API-Sign", sig)
	return c.do(req, out)
}

// sign computes HMAC-SHA512(path + SHA256(nonce + body)) with the decoded
// secret, per the exchange's authentication scheme.
func sign(apiSecret, path, nonce, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.WrapError(broker.KindNetwork, "read response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return broker.NewError(broker.KindRateLimit, "http 429")
	}
	if resp.StatusCode >= 500 {
		return broker.NewError(broker.KindNetwork, fmt.Sprintf("http %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return broker.NewError(broker.KindAuth, fmt.Sprintf("http %d", resp.StatusCode))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return broker.WrapError(broker.KindInternal, "parse response", err)
	}
	if len(apiResp.Error) > 0 {
		return mapAPIError(strings.Join(apiResp.Error, "; "))
	}
	if out != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return broker.WrapError(broker.KindInternal, "parse result", err)
		}
	}
	return nil
}

// ===========================================================================
// Public market data
// ===========================================================================

type tickerInfo struct {
	Ask    []string `json:"a"` // [price, wholeLotVolume, lotVolume]
	Bid    []string `json:"b"`
	Last   []string `json:"c"` // [price, lotVolume]
	Volume []string `json:"v"` // [today, last24h]
	VWAP   []string `json:"p"`
	High   []string `json:"h"`
	Low    []string `json:"l"`
	Open   string   `json:"o"`
}

func firstFloat(vals []string) float64 {
	if len(vals) == 0 {
		return 0
	}
	f, _ := strconv.ParseFloat(vals[0], 64)
	return f
}

func secondFloat(vals []string) float64 {
	if len(vals) < 2 {
		return firstFloat(vals)
	}
	f, _ := strconv.ParseFloat(vals[1], 64)
	return f
}

// GetTicker returns the 24h rolling statistics for a pair.
func (c *Client) GetTicker(ctx context.Context, pair string) (*broker.Ticker, error) {
	params := url.Values{}
	params.Set("pair", pairName(pair))

	var result map[string]tickerInfo
	if err := c.public(ctx, "/0/public/Ticker", params, &result); err != nil {
		return nil, err
	}
	for _, info := range result {
		open, _ := strconv.ParseFloat(info.Open, 64)
		return &broker.Ticker{
			Symbol:  pair,
			Last:    firstFloat(info.Last),
			Open:    open,
			High24h: secondFloat(info.High),
			Low24h:  secondFloat(info.Low),
			VWAP24h: secondFloat(info.VWAP),
			Vol24h:  secondFloat(info.Volume),
			Bid:     firstFloat(info.Bid),
			Ask:     firstFloat(info.Ask),
		}, nil
	}
	return nil, broker.NewError(broker.KindNotFound, "no ticker for "+pair)
}

// GetBars fetches OHLC candles. timeframe is the interval in the exchange's
// minute notation ("1", "5", "60"); empty means 1 minute.
func (c *Client) GetBars(ctx context.Context, pair, timeframe string, limit int) ([]broker.Bar, error) {
	params := url.Values{}
	params.Set("pair", pairName(pair))
	if timeframe != "" {
		params.Set("interval", timeframe)
	}

	var result map[string]json.RawMessage
	if err := c.public(ctx, "/0/public/OHLC", params, &result); err != nil {
		return nil, err
	}

	var bars []broker.Bar
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]interface{}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, broker.WrapError(broker.KindInternal, "parse ohlc", err)
		}
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			bars = append(bars, broker.Bar{
				Timestamp: time.Unix(int64(asFloat(row[0])), 0),
				Open:      asFloat(row[1]),
				High:      asFloat(row[2]),
				Low:       asFloat(row[3]),
				Close:     asFloat(row[4]),
				Volume:    asFloat(row[6]),
			})
		}
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

// ===========================================================================
// Private account and trading
// ===========================================================================

// GetBalance returns per-asset balances.
func (c *Client) GetBalance(ctx context.Context) (map[string]float64, error) {
	var result map[string]string
	if err := c.private(ctx, "/0/private/Balance", nil, &result); err != nil {
		return nil, err
	}
	balances := make(map[string]float64, len(result))
	for asset, v := range result {
		f, _ := strconv.ParseFloat(v, 64)
		balances[asset] = f
	}
	return balances, nil
}

type tradeBalanceResult struct {
	EquivalentBalance float64 `json:"eb,string"`
	FreeMargin        float64 `json:"mf,string"`
}

// GetTradeBalance returns the account's equivalent balance and free margin.
func (c *Client) GetTradeBalance(ctx context.Context) (*broker.TradeBalance, error) {
	var result tradeBalanceResult
	if err := c.private(ctx, "/0/private/TradeBalance", nil, &result); err != nil {
		return nil, err
	}
	return &broker.TradeBalance{
		EquivalentBalance: result.EquivalentBalance,
		FreeMargin:        result.FreeMargin,
	}, nil
}

type tradeHistoryResult struct {
	Trades map[string]struct {
		Pair   string  `json:"pair"`
		Type   string  `json:"type"`
		Price  float64 `json:"price,string"`
		Volume float64 `json:"vol,string"`
		Time   float64 `json:"time"`
	} `json:"trades"`
}

// GetTradesHistory returns recent fills, newest first.
func (c *Client) GetTradesHistory(ctx context.Context) ([]broker.Fill, error) {
	var result tradeHistoryResult
	if err := c.private(ctx, "/0/private/TradesHistory", nil, &result); err != nil {
		return nil, err
	}
	fills := make([]broker.Fill, 0, len(result.Trades))
	for _, t := range result.Trades {
		fills = append(fills, broker.Fill{
			Symbol:    t.Pair,
			Side:      broker.Side(t.Type),
			Price:     t.Price,
			Quantity:  t.Volume,
			Timestamp: time.Unix(int64(t.Time), 0),
		})
	}
	return fills, nil
}

type openOrdersResult struct {
	Open map[string]struct {
		Status string  `json:"status"`
		Vol    float64 `json:"vol,string"`
		VolExe float64 `json:"vol_exec,string"`
		Descr  struct {
			Pair      string  `json:"pair"`
			Type      string  `json:"type"`
			OrderType string  `json:"ordertype"`
			Price     float64 `json:"price,string"`
		} `json:"descr"`
		OpenTime float64 `json:"opentm"`
	} `json:"open"`
}

// GetOpenOrders returns resting orders, optionally filtered to one pair.
func (c *Client) GetOpenOrders(ctx context.Context, pair string) ([]broker.Order, error) {
	var result openOrdersResult
	if err := c.private(ctx, "/0/private/OpenOrders", nil, &result); err != nil {
		return nil, err
	}
	want := ""
	if pair != "" {
		want = pairName(pair)
	}
	var orders []broker.Order
	for id, o := range result.Open {
		if want != "" && o.Descr.Pair != want {
			continue
		}
		orders = append(orders, broker.Order{
			ID:        id,
			Symbol:    o.Descr.Pair,
			Side:      broker.Side(o.Descr.Type),
			Type:      broker.OrderType(o.Descr.OrderType),
			Quantity:  o.Vol,
			FilledQty: o.VolExe,
			Price:     o.Descr.Price,
			Status:    o.Status,
			CreatedAt: time.Unix(int64(o.OpenTime), 0),
		})
	}
	return orders, nil
}

// CancelOrder cancels one resting order. An already-cancelled order maps to
// Conflict, which callers treat as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	err := c.private(ctx, "/0/private/CancelOrder", params, nil)
	if broker.IsKind(err, broker.KindNotFound) {
		return broker.WrapError(broker.KindConflict, "order already closed", err)
	}
	return err
}

type addOrderResult struct {
	TxID []string `json:"txid"`
}

func (c *Client) addOrder(ctx context.Context, pair string, side broker.Side, orderType string, qty, price float64, validate bool) (*broker.Order, error) {
	params := url.Values{}
	params.Set("pair", pairName(pair))
	params.Set("type", string(side))
	params.Set("ordertype", orderType)
	params.Set("volume", strconv.FormatFloat(qty, 'f', -1, 64))
	if orderType == "limit" {
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}
	if validate {
		params.Set("validate", "true")
	}

	var result addOrderResult
	if err := c.private(ctx, "/0/private/AddOrder", params, &result); err != nil {
		return nil, err
	}
	order := &broker.Order{
		Symbol:    pair,
		Side:      side,
		Type:      broker.OrderType(orderType),
		Quantity:  qty,
		Price:     price,
		Status:    "open",
		CreatedAt: time.Now(),
	}
	if len(result.TxID) > 0 {
		order.ID = result.TxID[0]
	}
	return order, nil
}

// PlaceLimitOrder places a resting limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, pair string, side broker.Side, qty, price float64) (*broker.Order, error) {
	return c.addOrder(ctx, pair, side, "limit", qty, price, false)
}

// PlaceMarketOrder places an immediate market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, pair string, side broker.Side, qty float64) (*broker.Order, error) {
	return c.addOrder(ctx, pair, side, "market", qty, 0, false)
}

// CanPlaceOrder pre-flights an order with the validate flag; nothing rests on
// the book. A Validation error means the order would be rejected.
func (c *Client) CanPlaceOrder(ctx context.Context, pair string, qty, price float64) error {
	_, err := c.addOrder(ctx, pair, broker.SideBuy, "limit", qty, price, true)
	return err
}
