package broker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ResilienceConfig tunes the retry/breaker layer shared by both brokers.
type ResilienceConfig struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	BreakerFailures uint32        `json:"breaker_failures"` // consecutive failures before the circuit opens
	BreakerCooldown time.Duration `json:"breaker_cooldown"` // open duration before half-open probing
}

// DefaultResilienceConfig returns the defaults used in production.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:      3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// breakerSet lazily creates one circuit breaker per endpoint name, so a
// failing order endpoint does not take down market-data reads.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      ResilienceConfig
	logger   zerolog.Logger
}

func newBreakerSet(cfg ResilienceConfig, logger zerolog.Logger) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

func (bs *breakerSet) get(endpoint string) *gobreaker.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if cb, ok := bs.breakers[endpoint]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    endpoint,
		Timeout: bs.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bs.logger.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit state change")
		},
	})
	bs.breakers[endpoint] = cb
	return cb
}

// outcome carries a non-transient failure through gobreaker.Execute without
// counting it as a breaker failure: only exhausted transient retries open
// the circuit.
type outcome[T any] struct {
	val T
	err error
}

// call runs op through the endpoint's breaker with bounded exponential
// backoff on transient kinds. Non-transient broker errors (validation, auth,
// funds...) are returned immediately and never trip the circuit.
func call[T any](ctx context.Context, bs *breakerSet, endpoint string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	result, err := bs.get(endpoint).Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = bs.cfg.InitialInterval
		bo.MaxInterval = bs.cfg.MaxInterval
		bo.MaxElapsedTime = 0

		var lastErr error
		for attempt := 0; attempt <= bs.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return outcome[T]{err: WrapError(KindTimeout, endpoint+": context cancelled", ctx.Err())}, nil
				case <-time.After(bo.NextBackOff()):
				}
			}

			v, err := op(ctx)
			if err == nil {
				return outcome[T]{val: v}, nil
			}
			lastErr = err

			if !IsTransient(err) {
				return outcome[T]{err: err}, nil
			}
		}
		return nil, lastErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, WrapError(KindUnavailable, endpoint+": circuit open", err)
		}
		return zero, err
	}

	out := result.(outcome[T])
	return out.val, out.err
}

// callVoid is call for operations without a result value.
func callVoid(ctx context.Context, bs *breakerSet, endpoint string, op func(ctx context.Context) error) error {
	_, err := call(ctx, bs, endpoint, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
