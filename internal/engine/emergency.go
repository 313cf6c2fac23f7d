package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
)

// FlattenResult is the per-symbol outcome of an emergency flatten.
type FlattenResult struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CloseOrdered bool    `json:"close_ordered"`
	Error        string  `json:"error,omitempty"`
}

// ExecutionResult is the atomic record of one emergency run.
type ExecutionResult struct {
	Status      string          `json:"status"` // "executed" or "already_triggered"
	Reason      string          `json:"reason"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Results     []FlattenResult `json:"results"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
}

// EmergencyProtocol flattens everything. It holds the raw broker delegates
// so a tripped circuit breaker or rate limiter cannot block the flatten.
type EmergencyProtocol struct {
	equity broker.Equity
	crypto broker.Crypto
	bus    *events.Bus
	logger zerolog.Logger

	triggered atomic.Bool

	mu   sync.Mutex
	last *ExecutionResult
}

// NewEmergencyProtocol resolves the raw delegates immediately so the flatten
// path never touches the resilience wrappers.
func NewEmergencyProtocol(equity broker.Equity, crypto broker.Crypto, bus *events.Bus, logger zerolog.Logger) *EmergencyProtocol {
	p := &EmergencyProtocol{
		bus:    bus,
		logger: logger.With().Str("component", "emergency").Logger(),
	}
	if equity != nil {
		p.equity = equity.Delegate()
	}
	if crypto != nil {
		p.crypto = crypto.Delegate()
	}
	return p
}

// Trigger runs the flatten. Exactly one concurrent caller executes; the rest
// get an "already_triggered" result back immediately.
func (p *EmergencyProtocol) Trigger(ctx context.Context, reason string) *ExecutionResult {
	if !p.triggered.CompareAndSwap(false, true) {
		return &ExecutionResult{Status: "already_triggered", Reason: reason, TriggeredAt: time.Now()}
	}

	p.logger.Error().Str("reason", reason).Msg("EMERGENCY PROTOCOL TRIGGERED")
	if p.bus != nil {
		p.bus.Activity(events.LevelError, "Emergency protocol triggered: "+reason, nil)
	}

	result := &ExecutionResult{
		Status:      "executed",
		Reason:      reason,
		TriggeredAt: time.Now(),
		Success:     true,
	}

	if err := p.equity.CancelAllOrders(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Emergency cancel-all failed")
		result.Error = err.Error()
		result.Success = false
	}
	if p.crypto != nil {
		p.cancelCryptoOrders(ctx, result)
	}

	positions, err := p.equity.GetPositions(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Emergency position fetch failed")
		result.Error = err.Error()
		result.Success = false
	}

	for _, pos := range positions {
		r := FlattenResult{Symbol: pos.Symbol, Quantity: pos.Quantity}
		_, err := p.equity.PlaceOrder(ctx, broker.OrderIntent{
			Symbol:   pos.Symbol,
			Side:     broker.Opposite(pos.Quantity),
			Quantity: absFloat(pos.Quantity),
			Type:     broker.OrderMarket,
		})
		if err != nil {
			// Keep flattening the rest; a stuck symbol must not strand the
			// others.
			p.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Emergency flatten order failed")
			r.Error = err.Error()
			result.Success = false
		} else {
			r.CloseOrdered = true
		}
		result.Results = append(result.Results, r)
	}

	p.mu.Lock()
	p.last = result
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.TagSystemStatus, map[string]interface{}{
			"emergency": true,
			"success":   result.Success,
			"positions": len(result.Results),
		})
	}
	return result
}

func (p *EmergencyProtocol) cancelCryptoOrders(ctx context.Context, result *ExecutionResult) {
	orders, err := p.crypto.GetOpenOrders(ctx, "")
	if err != nil {
		p.logger.Error().Err(err).Msg("Emergency crypto order fetch failed")
		result.Success = false
		return
	}
	for _, o := range orders {
		if err := p.crypto.CancelOrder(ctx, o.ID); err != nil {
			p.logger.Error().Err(err).Str("order_id", o.ID).Msg("Emergency crypto cancel failed")
			result.Success = false
		}
	}
}

// Reset re-arms the protocol; a later Trigger runs again.
func (p *EmergencyProtocol) Reset() {
	p.triggered.Store(false)
	p.logger.Warn().Msg("Emergency protocol reset")
}

// Triggered reports whether the protocol has fired since the last reset.
func (p *EmergencyProtocol) Triggered() bool { return p.triggered.Load() }

// LastResult returns the most recent execution record.
func (p *EmergencyProtocol) LastResult() *ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
