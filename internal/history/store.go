// Package history persists closed and open trades to PostgreSQL and keeps
// runtime position state in Redis so a restarted process can pick up where
// it left off. Both backends are optional; the engine runs without them.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TradeRecord is one row of the trades table.
type TradeRecord struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	Strategy   string     `json:"strategy"`
	Profile    string     `json:"profile"`
	EntryTime  time.Time  `json:"entry_time"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   float64    `json:"quantity"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	PnL        float64    `json:"pnl"`
	Status     string     `json:"status"`
}

// TradeStatistics summarizes the trades table.
type TradeStatistics struct {
	TotalTrades int     `json:"total_trades"`
	TotalPnL    float64 `json:"total_pnl"`
	WinRate     float64 `json:"win_rate"`
}

// Store wraps the PostgreSQL connection pool for trade history.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore connects to Postgres and runs the trades migration.
func NewStore(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "trade_store").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info().Msg("Connected to trade history database")
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(50),
			profile VARCHAR(50),
			entry_time TIMESTAMP NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			exit_time TIMESTAMP,
			exit_price DECIMAL(20, 8),
			pnl DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordTrade inserts an open trade and returns its id.
func (s *Store) RecordTrade(ctx context.Context, t TradeRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trades (symbol, strategy, profile, entry_time, entry_price, quantity, stop_loss, take_profit, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'OPEN') RETURNING id`,
		t.Symbol, t.Strategy, t.Profile, t.EntryTime, t.EntryPrice, t.Quantity, t.StopLoss, t.TakeProfit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record trade: %w", err)
	}
	return id, nil
}

// CloseTrade marks the most recent open trade for symbol as closed.
func (s *Store) CloseTrade(ctx context.Context, symbol string, exitTime time.Time, exitPrice, pnl float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET exit_time = $1, exit_price = $2, pnl = $3, status = 'CLOSED'
		 WHERE id = (
			SELECT id FROM trades WHERE symbol = $4 AND status = 'OPEN'
			ORDER BY entry_time DESC LIMIT 1
		 )`,
		exitTime, exitPrice, pnl, symbol,
	)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn().Str("symbol", symbol).Msg("No open trade to close")
	}
	return nil
}

// GetTradeStatistics aggregates the closed trades.
func (s *Store) GetTradeStatistics(ctx context.Context) (TradeStatistics, error) {
	var stats TradeStatistics
	var wins int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(pnl), 0), COUNT(*) FILTER (WHERE pnl > 0)
		 FROM trades WHERE status = 'CLOSED'`,
	).Scan(&stats.TotalTrades, &stats.TotalPnL, &wins)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate trades: %w", err)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(wins) / float64(stats.TotalTrades)
	}
	return stats, nil
}

// RecentBuys returns entry prices and quantities of recent buy fills for a
// symbol, newest first. Used to reconstruct entry prices after a restart.
func (s *Store) RecentBuys(ctx context.Context, symbol string, since time.Time) ([]TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, entry_time, entry_price, quantity FROM trades
		 WHERE symbol = $1 AND entry_time >= $2
		 ORDER BY entry_time DESC`,
		symbol, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent buys: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Symbol, &t.EntryTime, &t.EntryPrice, &t.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
