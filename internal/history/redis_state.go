package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"multi-asset-trading-bot/internal/book"
)

const (
	positionKeyPrefix = "tradingbot:position"
	cooldownKeyPrefix = "tradingbot:cooldown"

	// Positions normally close within hours; the TTL only bounds leakage
	// from keys whose delete was lost.
	positionStateTTL = 7 * 24 * time.Hour
)

// StateStore persists runtime position and cooldown state to Redis so a
// restarted process resumes with its trailing/partial-exit state intact.
// When Redis is unavailable it falls back to an in-memory map and keeps
// trading; persistence simply does not survive the next restart.
type StateStore struct {
	client *redis.Client
	logger zerolog.Logger
	scope  string

	mu       sync.RWMutex
	fallback map[string][]byte
	degraded bool
}

// NewStateStore builds a StateStore. A nil client (Redis disabled) starts
// directly in fallback mode.
func NewStateStore(client *redis.Client, scope string, logger zerolog.Logger) *StateStore {
	s := &StateStore{
		client:   client,
		scope:    scope,
		logger:   logger.With().Str("component", "state_store").Str("scope", scope).Logger(),
		fallback: make(map[string][]byte),
	}
	if client == nil {
		s.degraded = true
	}
	return s
}

// Degraded reports whether the store is running on the in-memory fallback.
func (s *StateStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *StateStore) positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s:%s", positionKeyPrefix, s.scope, symbol)
}

func (s *StateStore) cooldownKey(symbol string) string {
	return fmt.Sprintf("%s:%s:%s", cooldownKeyPrefix, s.scope, symbol)
}

func (s *StateStore) set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.client != nil {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err == nil {
			s.markHealthy()
			return
		} else {
			s.markDegraded(err)
		}
	}
	s.mu.Lock()
	s.fallback[key] = value
	s.mu.Unlock()
}

func (s *StateStore) get(ctx context.Context, key string) ([]byte, bool) {
	if s.client != nil {
		value, err := s.client.Get(ctx, key).Bytes()
		if err == nil {
			s.markHealthy()
			return value, true
		}
		if err == redis.Nil {
			s.markHealthy()
			return nil, false
		}
		s.markDegraded(err)
	}
	s.mu.RLock()
	value, ok := s.fallback[key]
	s.mu.RUnlock()
	return value, ok
}

func (s *StateStore) del(ctx context.Context, key string) {
	if s.client != nil {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.markDegraded(err)
		}
	}
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()
}

func (s *StateStore) markDegraded(err error) {
	s.mu.Lock()
	was := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !was {
		s.logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory state")
	}
}

func (s *StateStore) markHealthy() {
	s.mu.Lock()
	was := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if was && s.client != nil {
		s.logger.Info().Msg("Redis connection recovered")
	}
}

// SavePosition persists one position's exit state.
func (s *StateStore) SavePosition(ctx context.Context, p book.Position) {
	data, err := json.Marshal(p)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Failed to marshal position state")
		return
	}
	s.set(ctx, s.positionKey(p.Symbol), data, positionStateTTL)
}

// LoadPosition restores one position's exit state.
func (s *StateStore) LoadPosition(ctx context.Context, symbol string) (book.Position, bool) {
	data, ok := s.get(ctx, s.positionKey(symbol))
	if !ok {
		return book.Position{}, false
	}
	var p book.Position
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal position state")
		return book.Position{}, false
	}
	return p, true
}

// DeletePosition drops the persisted state after a full exit.
func (s *StateStore) DeletePosition(ctx context.Context, symbol string) {
	s.del(ctx, s.positionKey(symbol))
}

// SaveCooldown persists a cooldown deadline. The key expires on its own when
// the cooldown does.
func (s *StateStore) SaveCooldown(ctx context.Context, symbol string, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	s.set(ctx, s.cooldownKey(symbol), []byte(until.Format(time.RFC3339)), ttl)
}

// LoadCooldown restores a cooldown deadline, if one is still active.
func (s *StateStore) LoadCooldown(ctx context.Context, symbol string) (time.Time, bool) {
	data, ok := s.get(ctx, s.cooldownKey(symbol))
	if !ok {
		return time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339, string(data))
	if err != nil || !until.After(time.Now()) {
		return time.Time{}, false
	}
	return until, true
}
