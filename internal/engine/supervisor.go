package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/backtest"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/state"
)

const heartbeatPublishInterval = 30 * time.Second

// Supervisor owns every loop: profile runners, the crypto loop, the quote
// and order streams, and the heartbeat publisher. It translates the command
// surface (start/stop/pause/resume/emergency) into loop lifecycle.
type Supervisor struct {
	deps      *Services
	runners   []*ProfileRunner
	crypto    *CryptoLoop
	emergency *EmergencyProtocol
	backtests *backtest.Engine
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSupervisor wires the loops together. Any of crypto/emergency/backtests
// may be nil when the corresponding subsystem is disabled.
func NewSupervisor(deps *Services, runners []*ProfileRunner, crypto *CryptoLoop, emergency *EmergencyProtocol, backtests *backtest.Engine) *Supervisor {
	return &Supervisor{
		deps:      deps,
		runners:   runners,
		crypto:    crypto,
		emergency: emergency,
		backtests: backtests,
		logger:    deps.Logger.With().Str("component", "supervisor").Logger(),
	}
}

// Start launches every loop. Idempotent: starting a running supervisor is a
// no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	var wg sync.WaitGroup
	if s.deps.Quotes != nil {
		s.deps.Quotes.Start(ctx, s.deps.Cfg.CryptoLoop.Watchlist)
	}
	if s.deps.Orders != nil {
		s.deps.Orders.Start(ctx)
	}
	for _, r := range s.runners {
		wg.Add(1)
		go func(r *ProfileRunner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	if s.crypto != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.crypto.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.publishHeartbeats(ctx)
	}()

	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.logger.Info().Int("profiles", len(s.runners)).Msg("Supervisor started")
	s.deps.Bus.Publish(events.TagBotStatus, map[string]interface{}{"status": "running"})
}

// Stop cancels every loop and waits for them to drain. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	if s.deps.Quotes != nil {
		s.deps.Quotes.Stop()
	}
	if s.deps.Orders != nil {
		s.deps.Orders.Stop()
	}
	<-done

	s.logger.Info().Msg("Supervisor stopped")
	s.deps.Bus.Publish(events.TagBotStatus, map[string]interface{}{"status": "stopped"})
}

// Running reports whether the loops are live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pause suspends one profile's trading without stopping its loop.
func (s *Supervisor) Pause(profileID string) error {
	for _, r := range s.runners {
		if r.ID() == profileID {
			r.Pause()
			s.deps.Bus.Publish(events.TagBotStatus, map[string]interface{}{
				"profile": profileID, "status": "paused",
			})
			return nil
		}
	}
	return fmt.Errorf("unknown profile %q", profileID)
}

// Resume reverses Pause.
func (s *Supervisor) Resume(profileID string) error {
	for _, r := range s.runners {
		if r.ID() == profileID {
			r.Resume()
			s.deps.Bus.Publish(events.TagBotStatus, map[string]interface{}{
				"profile": profileID, "status": "running",
			})
			return nil
		}
	}
	return fmt.Errorf("unknown profile %q", profileID)
}

// EmergencyTrigger runs the flatten out-of-band and stops the loops.
func (s *Supervisor) EmergencyTrigger(ctx context.Context, reason string) *ExecutionResult {
	if s.emergency == nil {
		return &ExecutionResult{Status: "disabled", Reason: reason}
	}
	result := s.emergency.Trigger(ctx, reason)
	if result.Status == "executed" {
		s.Stop()
	}
	return result
}

// EmergencyReset re-arms the protocol.
func (s *Supervisor) EmergencyReset() {
	if s.emergency != nil {
		s.emergency.Reset()
	}
}

// Backtest runs a bar replay with the requested bracket.
func (s *Supervisor) Backtest(ctx context.Context, symbol string, days int, capital, tp, sl float64) (*backtest.Result, error) {
	if s.backtests == nil {
		return nil, fmt.Errorf("backtesting is disabled")
	}
	return s.backtests.Run(ctx, backtest.Config{
		Symbol:         symbol,
		Days:           days,
		InitialCapital: capital,
		TakeProfitPct:  tp,
		StopLossPct:    sl,
	})
}

// ForceRebalanceCheck publishes a fresh portfolio snapshot on demand.
func (s *Supervisor) ForceRebalanceCheck(ctx context.Context) error {
	acct, err := s.deps.Equity.GetAccount(ctx)
	if err != nil {
		return err
	}
	positions, err := s.deps.Equity.GetPositions(ctx)
	if err != nil {
		return err
	}
	s.deps.Bus.Publish(events.TagPhase3Event, map[string]interface{}{
		"event":     "rebalance_check",
		"equity":    acct.Equity,
		"positions": len(positions),
	})
	return nil
}

// Status summarizes the supervisor for the command API.
func (s *Supervisor) Status() map[string]interface{} {
	profiles := make(map[string]interface{}, len(s.runners))
	for _, r := range s.runners {
		profiles[r.ID()] = map[string]interface{}{
			"role":      r.cfg.Role,
			"paused":    r.Paused(),
			"positions": r.Book().Len(),
		}
	}
	status := map[string]interface{}{
		"running":    s.Running(),
		"profiles":   profiles,
		"heartbeats": s.deps.Heartbeats.Ages(),
		"healthy":    s.deps.Heartbeats.Healthy(state.DefaultHeartbeatMaxAge),
	}
	if s.crypto != nil {
		status["crypto_positions"] = s.crypto.Book().Len()
	}
	if s.emergency != nil {
		status["emergency_triggered"] = s.emergency.Triggered()
	}
	return status
}

// publishHeartbeats is the monitor tick: it beats for itself and pushes the
// liveness table to telemetry.
func (s *Supervisor) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deps.Heartbeats.Beat("supervisor")
			ages := s.deps.Heartbeats.Ages()
			payload := make(map[string]interface{}, len(ages)+1)
			for name, age := range ages {
				payload[name] = age.Milliseconds()
			}
			payload["healthy"] = s.deps.Heartbeats.Healthy(state.DefaultHeartbeatMaxAge)
			s.deps.Bus.Publish(events.TagSystemStatus, payload)
		}
	}
}
