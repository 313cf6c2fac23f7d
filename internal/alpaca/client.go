package alpaca

import (
	"bytes"
	"context"
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

// Client is the REST client for the equity brokerage. It implements
// broker.Equity; resilience lives in the wrapper, not here.
type Client struct {
	mu         sync.RWMutex // guards the credential pair
	apiKey     string
	apiSecret  string
	baseURL    string // trading API
	dataURL    string // market data API
	httpClient *http.Client
}

// NewClient creates a client against the trading and data endpoints.
func NewClient(apiKey, apiSecret, baseURL, dataURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		dataURL:    dataURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Delegate returns the client itself; it is already unwrapped.
func (c *Client) Delegate() broker.Equity { return c }

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

func (c *Client) request(ctx context.Context, method, rawURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return broker.WrapError(broker.KindInternal, "encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return broker.WrapError(broker.KindInternal, "build request", err)
	}
	key, secret := c.credentials()
	req.Header.Set("APCA-API-KEY-ID", key)
	req.Header.Set("APCA-API-SECRET-KEY", secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return broker.WrapError(broker.KindTimeout, "request timed out", err)
		}
		return broker.WrapError(broker.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.WrapError(broker.KindNetwork, "read response", err)
	}
	if resp.StatusCode >= 400 {
		return mapStatusError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return broker.WrapError(broker.KindInternal, "parse response", err)
		}
	}
	return nil
}

func mapStatusError(status int, body []byte) *broker.Error {
	detail := fmt.Sprintf("http %d: %s", status, strings.TrimSpace(string(body)))
	lower := strings.ToLower(string(body))
	switch {
	case status == http.StatusUnauthorized:
		return broker.NewError(broker.KindAuth, detail)
	case status == http.StatusForbidden:
		if strings.Contains(lower, "insufficient") || strings.Contains(lower, "buying power") {
			return broker.NewError(broker.KindInsufficientFunds, detail)
		}
		return broker.NewError(broker.KindAuth, detail)
	case status == http.StatusNotFound:
		return broker.NewError(broker.KindNotFound, detail)
	case status == http.StatusUnprocessableEntity:
		return broker.NewError(broker.KindValidation, detail)
	case status == http.StatusTooManyRequests:
		return broker.NewError(broker.KindRateLimit, detail)
	case status >= 500:
		return broker.NewError(broker.KindNetwork, detail)
	default:
		return broker.NewError(broker.KindInternal, detail)
	}
}

type accountResponse struct {
	Equity      float64 `json:"equity,string"`
	LastEquity  float64 `json:"last_equity,string"`
	BuyingPower float64 `json:"buying_power,string"`
	Cash        float64 `json:"cash,string"`
}

// GetAccount returns the account snapshot.
func (c *Client) GetAccount(ctx context.Context) (*broker.Account, error) {
	var resp accountResponse
	if err := c.request(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &resp); err != nil {
		return nil, err
	}
	return &broker.Account{
		Equity:      resp.Equity,
		LastEquity:  resp.LastEquity,
		BuyingPower: resp.BuyingPower,
		Cash:        resp.Cash,
	}, nil
}

type positionResponse struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	CurrentPrice  float64 `json:"current_price,string"`
	UnrealizedPL  float64 `json:"unrealized_pl,string"`
	Side          string  `json:"side"`
}

// GetPositions returns all broker positions; short quantities are negative.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var resp []positionResponse
	if err := c.request(ctx, http.MethodGet, c.baseURL+"/v2/positions", nil, &resp); err != nil {
		return nil, err
	}
	positions := make([]broker.Position, 0, len(resp))
	for _, p := range resp {
		qty := p.Qty
		if p.Side == "short" && qty > 0 {
			qty = -qty
		}
		positions = append(positions, broker.Position{
			Symbol:        p.Symbol,
			Quantity:      qty,
			EntryPrice:    p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPL,
		})
	}
	return positions, nil
}

type orderResponse struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Qty         float64   `json:"qty,string"`
	FilledQty   float64   `json:"filled_qty,string"`
	LimitPrice  string    `json:"limit_price"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (o orderResponse) toOrder() broker.Order {
	price, _ := strconv.ParseFloat(o.LimitPrice, 64)
	return broker.Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      broker.Side(o.Side),
		Type:      broker.OrderType(o.Type),
		Quantity:  o.Qty,
		FilledQty: o.FilledQty,
		Price:     price,
		Status:    o.Status,
		CreatedAt: o.SubmittedAt,
	}
}

// GetOpenOrders lists open orders, optionally filtered to one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	params := url.Values{}
	params.Set("status", "open")
	if symbol != "" {
		params.Set("symbols", symbol)
	}
	var resp []orderResponse
	if err := c.request(ctx, http.MethodGet, c.baseURL+"/v2/orders?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	orders := make([]broker.Order, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

// CancelOrder cancels one order; an already-closed order maps to Conflict.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.request(ctx, http.MethodDelete, c.baseURL+"/v2/orders/"+orderID, nil, nil)
	if broker.IsKind(err, broker.KindValidation) || broker.IsKind(err, broker.KindNotFound) {
		return broker.WrapError(broker.KindConflict, "order already closed", err)
	}
	return err
}

// CancelAllOrders cancels every open order.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	return c.request(ctx, http.MethodDelete, c.baseURL+"/v2/orders", nil, nil)
}

type orderRequest struct {
	Symbol      string    `json:"symbol"`
	Qty         string    `json:"qty"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	TimeInForce string    `json:"time_in_force"`
	LimitPrice  string    `json:"limit_price,omitempty"`
	StopPrice   string    `json:"stop_price,omitempty"`
	OrderClass  string    `json:"order_class,omitempty"`
	TakeProfit  *priceLeg `json:"take_profit,omitempty"`
	StopLoss    *stopLeg  `json:"stop_loss,omitempty"`
	ClientID    string    `json:"client_order_id,omitempty"`
}

type priceLeg struct {
	LimitPrice string `json:"limit_price"`
}

type stopLeg struct {
	StopPrice string `json:"stop_price"`
}

func formatQty(q float64) string { return strconv.FormatFloat(q, 'f', -1, 64) }

func buildOrderRequest(intent broker.OrderIntent) orderRequest {
	tif := intent.TimeInForce
	if tif == "" {
		tif = "day"
	}
	req := orderRequest{
		Symbol:      intent.Symbol,
		Qty:         formatQty(intent.Quantity),
		Side:        string(intent.Side),
		Type:        string(intent.Type),
		TimeInForce: tif,
		ClientID:    intent.ClientOrderID,
	}
	if intent.LimitPrice > 0 {
		req.LimitPrice = formatQty(intent.LimitPrice)
	}
	if intent.StopPrice > 0 {
		req.StopPrice = formatQty(intent.StopPrice)
	}
	return req
}

// PlaceOrder submits a plain order.
func (c *Client) PlaceOrder(ctx context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	req := buildOrderRequest(intent)
	var resp orderResponse
	if err := c.request(ctx, http.MethodPost, c.baseURL+"/v2/orders", req, &resp); err != nil {
		return nil, err
	}
	order := resp.toOrder()
	return &order, nil
}

// PlaceBracket submits an entry with attached take-profit and stop-loss legs.
func (c *Client) PlaceBracket(ctx context.Context, intent broker.OrderIntent) (*broker.Order, error) {
	if intent.Bracket == nil {
		return nil, broker.NewError(broker.KindValidation, "bracket legs missing")
	}
	req := buildOrderRequest(intent)
	req.OrderClass = "bracket"
	req.TakeProfit = &priceLeg{LimitPrice: formatQty(intent.Bracket.TakeProfit)}
	req.StopLoss = &stopLeg{StopPrice: formatQty(intent.Bracket.StopLoss)}

	var resp orderResponse
	if err := c.request(ctx, http.MethodPost, c.baseURL+"/v2/orders", req, &resp); err != nil {
		return nil, err
	}
	order := resp.toOrder()
	return &order, nil
}

type barResponse struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

func (b barResponse) toBar() broker.Bar {
	return broker.Bar{Timestamp: b.T, Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V}
}

// GetLatestBar returns the most recent minute bar.
func (c *Client) GetLatestBar(ctx context.Context, symbol string) (*broker.Bar, error) {
	var resp struct {
		Bar barResponse `json:"bar"`
	}
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars/latest", c.dataURL, symbol)
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	bar := resp.Bar.toBar()
	return &bar, nil
}

// GetBars fetches up to limit bars at the given timeframe ("1Min", "1Day").
func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]broker.Bar, error) {
	params := url.Values{}
	params.Set("timeframe", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Bars []barResponse `json:"bars"`
	}
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.dataURL, symbol, params.Encode())
	if err := c.request(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	bars := make([]broker.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		bars = append(bars, b.toBar())
	}
	return bars, nil
}

// GetMarketHistory returns daily bars for the past n days.
func (c *Client) GetMarketHistory(ctx context.Context, symbol string, days int) ([]broker.Bar, error) {
	return c.GetBars(ctx, symbol, "1Day", days)
}

type clockResponse struct {
	IsOpen bool `json:"is_open"`
}

// IsMarketOpen reports whether the equity market is currently open.
func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	var resp clockResponse
	if err := c.request(ctx, http.MethodGet, c.baseURL+"/v2/clock", nil, &resp); err != nil {
		return false, err
	}
	return resp.IsOpen, nil
}
