package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full read-only configuration loaded at startup.
// Load order: defaults -> optional JSON file -> environment overrides ->
// Vault credential overrides when enabled.
type Config struct {
	EquityBroker EquityBrokerConfig `json:"equity_broker"`
	CryptoBroker CryptoBrokerConfig `json:"crypto_broker"`
	Trading      TradingConfig      `json:"trading"`
	Profiles     []ProfileConfig    `json:"profiles"`
	CryptoLoop   CryptoLoopConfig   `json:"crypto_loop"`
	Grid         GridConfig         `json:"grid"`
	Regime       RegimeConfig       `json:"regime"`
	Filters      FilterConfig       `json:"filters"`
	Sizing       SizingConfig       `json:"sizing"`
	Exits        ExitConfig         `json:"exits"`
	Features     FeatureFlags       `json:"features"`
	Resilience   ResilienceConfig   `json:"resilience"`
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	Logging      LoggingConfig      `json:"logging"`
}

// EquityBrokerConfig holds the stock brokerage connection settings.
type EquityBrokerConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`
	DataURL   string `json:"data_url"`
	Paper     bool   `json:"paper"`
}

// CryptoBrokerConfig holds the crypto brokerage connection settings.
type CryptoBrokerConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`
	WSPublic  string `json:"ws_public"`
	WSPrivate string `json:"ws_private"`
}

// TradingConfig holds account-wide trading settings.
type TradingConfig struct {
	Capital              float64 `json:"capital"`
	MaxPositions         int     `json:"max_positions"`
	DryRun               bool    `json:"dry_run"`
	FractionalShares     bool    `json:"fractional_shares"`
	PortfolioStopLossPct float64 `json:"portfolio_stop_loss_pct"` // daily drawdown that halts entries
	DailyProfitTargetPct float64 `json:"daily_profit_target_pct"`
}

// ProfileConfig defines one strategy profile. Role "main" marks the sole
// profile allowed to send exit orders for shared broker positions.
type ProfileConfig struct {
	ID              string        `json:"id"`
	Role            string        `json:"role"` // "main" or "secondary"
	CapitalFraction float64       `json:"capital_fraction"`
	TakeProfitPct   float64       `json:"take_profit_pct"`
	StopLossPct     float64       `json:"stop_loss_pct"`
	TrailingPct     float64       `json:"trailing_pct"`
	BullishSymbols  []string      `json:"bullish_symbols"`
	BearishSymbols  []string      `json:"bearish_symbols"`
	VIXThreshold    float64       `json:"vix_threshold"`
	VIXHysteresis   float64       `json:"vix_hysteresis"`
	StrategyClass   string        `json:"strategy_class"` // "momentum" or "standard"
	MinHold         time.Duration `json:"min_hold"`
	MaxHold         time.Duration `json:"max_hold"`
	CycleInterval   time.Duration `json:"cycle_interval"`
	MaxPositions    int           `json:"max_positions"`
}

// CryptoLoopConfig tunes the dedicated 24/7 crypto loop.
type CryptoLoopConfig struct {
	Watchlist             []string      `json:"watchlist"`
	Interval              time.Duration `json:"interval"`
	PerPositionUSD        float64       `json:"per_position_usd"`
	MinPositions          int           `json:"min_positions"`
	MaxPositions          int           `json:"max_positions"`
	CooldownAfterSell     time.Duration `json:"cooldown_after_sell"`
	CooldownAfterStopLoss time.Duration `json:"cooldown_after_stop_loss"`
	QuoteStalenessMs      int           `json:"quote_staleness_ms"`
	ErrorBackoff          time.Duration `json:"error_backoff"`
}

// GridConfig tunes the resting limit-order ladder.
type GridConfig struct {
	Enabled       bool          `json:"enabled"`
	MinUSD        float64       `json:"min_usd"`
	MaxUSD        float64       `json:"max_usd"`
	BalanceRatio  float64       `json:"balance_ratio"` // fraction of free cash committed per tick
	LevelOffsets  []float64     `json:"level_offsets"` // relative offsets below market, e.g. 0.003
	LevelWeights  []float64     `json:"level_weights"` // must sum to 1
	StaleAfter    time.Duration `json:"stale_after"`
	MaxOpenOrders int           `json:"max_open_orders"`
	MinScore      float64       `json:"min_score"`
}

// RegimeConfig tunes the market regime detector.
type RegimeConfig struct {
	VIXThreshold   float64 `json:"vix_threshold"`
	VIXHysteresis  float64 `json:"vix_hysteresis"`
	VIXExtreme     float64 `json:"vix_extreme"`
	ReferenceIndex string  `json:"reference_index"`
	VIXSymbol      string  `json:"vix_symbol"`
}

// FilterConfig tunes the entry filter pipeline.
type FilterConfig struct {
	MaxSpreadPct            float64 `json:"max_spread_pct"`
	RSIEntryMax             float64 `json:"rsi_entry_max"`
	MLScoreThreshold        float64 `json:"ml_score_threshold"`
	MinWinProbability       float64 `json:"min_win_probability"`
	MaxGroupPositions       int     `json:"max_group_positions"`
	SingleSymbolCapPct      float64 `json:"single_symbol_cap_pct"`
	GroupCapPct             float64 `json:"group_cap_pct"`
	MinEquityForCaps        float64 `json:"min_equity_for_caps"`
	VolumeSpikeMultiplier   float64 `json:"volume_spike_multiplier"`
	CryptoQuietStartUTC     int     `json:"crypto_quiet_start_utc"` // hour, inclusive
	CryptoQuietEndUTC       int     `json:"crypto_quiet_end_utc"`   // hour, exclusive
	VolumeProfileStrictMode bool    `json:"volume_profile_strict_mode"`
	MaxCorrelation          float64 `json:"max_correlation"`
}

// SizingConfig tunes the position sizer.
type SizingConfig struct {
	RiskFraction      float64 `json:"risk_fraction"`
	BuyingPowerRatio  float64 `json:"buying_power_ratio"`
	KellyFraction     float64 `json:"kelly_fraction"`
	VIXScaleThreshold float64 `json:"vix_scale_threshold"`
	VIXScaleFactor    float64 `json:"vix_scale_factor"`
	MinOrderUSD       float64 `json:"min_order_usd"`
	CryptoPrecision   int32   `json:"crypto_precision"`
}

// ExitConfig tunes the exit evaluator. Partial levels and the thresholds for
// the loosely-specified exits (momentum acceleration, health score) live here
// with documented defaults.
type ExitConfig struct {
	TrailingActivationPct  float64   `json:"trailing_activation_pct"`
	TrailingTrailPct       float64   `json:"trailing_trail_pct"`
	TrailingCapPct         float64   `json:"trailing_cap_pct"`
	PartialLevelThresholds []float64 `json:"partial_level_thresholds"`
	PartialLevelFractions  []float64 `json:"partial_level_fractions"`
	RSIExitThreshold       float64   `json:"rsi_exit_threshold"`
	RSIExitMinProfitPct    float64   `json:"rsi_exit_min_profit_pct"`
	BreakEvenTriggerPct    float64   `json:"break_even_trigger_pct"`
	BreakEvenOffsetPct     float64   `json:"break_even_offset_pct"`
	MomentumSpikePct       float64   `json:"momentum_spike_pct"`
	MomentumExitFraction   float64   `json:"momentum_exit_fraction"`
	HealthScoreThreshold   float64   `json:"health_score_threshold"`
	EODExitTimeET          string    `json:"eod_exit_time_et"` // "15:30"
	MaxLossPct             float64   `json:"max_loss_pct"`
}

// FeatureFlags enables or disables individual engine features.
type FeatureFlags struct {
	RegimeDetection   bool `json:"regime_detection"`
	MultiTimeframe    bool `json:"multi_timeframe"`
	MLScoring         bool `json:"ml_scoring"`
	AdaptiveSizing    bool `json:"adaptive_sizing"`
	TrailingTargets   bool `json:"trailing_targets"`
	TimeDecayExit     bool `json:"time_decay_exit"`
	MomentumAccelExit bool `json:"momentum_accel_exit"`
	HealthScoring     bool `json:"health_scoring"`
	VolumeProfile     bool `json:"volume_profile"`
	PortfolioStopLoss bool `json:"portfolio_stop_loss"`
	PDTProtection     bool `json:"pdt_protection"`
	MaxLossExit       bool `json:"max_loss_exit"`
	BreakEven         bool `json:"break_even"`
	AvoidFirst15Min   bool `json:"avoid_first_15_min"`
	AvoidLast30Min    bool `json:"avoid_last_30_min"`
	DailyProfitTarget bool `json:"daily_profit_target"`
	StopLossCooldown  bool `json:"stop_loss_cooldown"`
}

// ResilienceConfig tunes the broker retry/breaker layer.
type ResilienceConfig struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	BreakerFailures uint32        `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
	RESTTimeout     time.Duration `json:"rest_timeout"`
	WSTimeout       time.Duration `json:"ws_timeout"`
}

// ServerConfig holds the command API settings.
type ServerConfig struct {
	Enabled        bool          `json:"enabled"`
	Port           int           `json:"port"`
	AdminTokenHash string        `json:"admin_token_hash"` // bcrypt hash of the admin API token
	JWTSecret      string        `json:"jwt_secret"`
	TokenTTL       time.Duration `json:"token_ttl"`
}

// DatabaseConfig holds the trade-history Postgres settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds the state-persistence Redis settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the optional Vault credential source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load builds the configuration: defaults, then the optional JSON file named
// by CONFIG_FILE (default config.json), then environment overrides, then
// Vault credentials when enabled.
func Load() (*Config, error) {
	cfg := Defaults()

	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Vault.Enabled {
		if err := loadVaultCredentials(cfg); err != nil {
			return nil, fmt.Errorf("vault credentials: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		EquityBroker: EquityBrokerConfig{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
			Paper:   true,
		},
		CryptoBroker: CryptoBrokerConfig{
			BaseURL:   "https://api.kraken.com",
			WSPublic:  "wss://ws.kraken.com",
			WSPrivate: "wss://ws-auth.kraken.com",
		},
		Trading: TradingConfig{
			Capital:              10000,
			MaxPositions:         10,
			PortfolioStopLossPct: 0.05,
			DailyProfitTargetPct: 0.03,
		},
		Profiles: []ProfileConfig{
			{
				ID:              "MAIN",
				Role:            "main",
				CapitalFraction: 0.6,
				TakeProfitPct:   0.02,
				StopLossPct:     0.015,
				TrailingPct:     0.01,
				BullishSymbols:  []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA"},
				BearishSymbols:  []string{"SH", "SQQQ"},
				VIXThreshold:    20,
				VIXHysteresis:   2,
				StrategyClass:   "standard",
				MinHold:         5 * time.Minute,
				MaxHold:         6 * time.Hour,
				CycleInterval:   10 * time.Second,
				MaxPositions:    5,
			},
		},
		CryptoLoop: CryptoLoopConfig{
			Watchlist:             []string{"BTC/USD", "ETH/USD", "SOL/USD", "ADA/USD", "DOT/USD"},
			Interval:              time.Second,
			PerPositionUSD:        100,
			MinPositions:          2,
			MaxPositions:          10,
			CooldownAfterSell:     3 * time.Minute,
			CooldownAfterStopLoss: 15 * time.Minute,
			QuoteStalenessMs:      5000,
			ErrorBackoff:          5 * time.Second,
		},
		Grid: GridConfig{
			Enabled:       true,
			MinUSD:        11,
			MaxUSD:        200,
			BalanceRatio:  0.80,
			LevelOffsets:  []float64{0.003, 0.005, 0.010},
			LevelWeights:  []float64{0.3, 0.4, 0.3},
			StaleAfter:    15 * time.Minute,
			MaxOpenOrders: 3,
			MinScore:      5,
		},
		Regime: RegimeConfig{
			VIXThreshold:   20,
			VIXHysteresis:  2,
			VIXExtreme:     30,
			ReferenceIndex: "SPY",
			VIXSymbol:      "VIXY",
		},
		Filters: FilterConfig{
			MaxSpreadPct:          0.003,
			RSIEntryMax:           70,
			MLScoreThreshold:      0.55,
			MinWinProbability:     0.5,
			MaxGroupPositions:     2,
			SingleSymbolCapPct:    0.40,
			GroupCapPct:           0.60,
			MinEquityForCaps:      500,
			VolumeSpikeMultiplier: 3.0,
			CryptoQuietStartUTC:   2,
			CryptoQuietEndUTC:     6,
			MaxCorrelation:        0.8,
		},
		Sizing: SizingConfig{
			RiskFraction:      0.10,
			BuyingPowerRatio:  0.95,
			KellyFraction:     0.5,
			VIXScaleThreshold: 25,
			VIXScaleFactor:    0.7,
			MinOrderUSD:       10,
			CryptoPrecision:   8,
		},
		Exits: ExitConfig{
			TrailingActivationPct:  0.005,
			TrailingTrailPct:       0.003,
			TrailingCapPct:         0.02,
			PartialLevelThresholds: []float64{0.006, 0.010},
			PartialLevelFractions:  []float64{0.25, 0.33},
			RSIExitThreshold:       70,
			RSIExitMinProfitPct:    0.004,
			BreakEvenTriggerPct:    0.005,
			BreakEvenOffsetPct:     0.001,
			MomentumSpikePct:       0.015,
			MomentumExitFraction:   0.5,
			HealthScoreThreshold:   0.3,
			EODExitTimeET:          "15:30",
			MaxLossPct:             0.05,
		},
		Features: FeatureFlags{
			RegimeDetection:   true,
			MultiTimeframe:    false,
			MLScoring:         true,
			AdaptiveSizing:    true,
			TrailingTargets:   true,
			TimeDecayExit:     true,
			MomentumAccelExit: true,
			HealthScoring:     true,
			VolumeProfile:     false,
			PortfolioStopLoss: true,
			PDTProtection:     true,
			MaxLossExit:       true,
			BreakEven:         true,
			AvoidFirst15Min:   true,
			AvoidLast30Min:    false,
			DailyProfitTarget: true,
			StopLossCooldown:  true,
		},
		Resilience: ResilienceConfig{
			MaxRetries:      3,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			RESTTimeout:     10 * time.Second,
			WSTimeout:       15 * time.Second,
		},
		Server: ServerConfig{
			Enabled:  true,
			Port:     8090,
			TokenTTL: 12 * time.Hour,
		},
		Database: DatabaseConfig{},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the invariants a running engine depends on. A failure here
// is fatal at startup (exit code 2).
func (c *Config) Validate() error {
	mains := 0
	for _, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile with empty id")
		}
		if p.Role == "main" {
			mains++
		}
		if p.CapitalFraction <= 0 || p.CapitalFraction > 1 {
			return fmt.Errorf("profile %s: capital_fraction %v out of (0,1]", p.ID, p.CapitalFraction)
		}
	}
	if len(c.Profiles) > 0 && mains != 1 {
		return fmt.Errorf("exactly one profile must have role \"main\", got %d", mains)
	}

	if len(c.Grid.LevelOffsets) != len(c.Grid.LevelWeights) {
		return fmt.Errorf("grid: %d level offsets but %d weights",
			len(c.Grid.LevelOffsets), len(c.Grid.LevelWeights))
	}
	var weightSum float64
	for _, w := range c.Grid.LevelWeights {
		weightSum += w
	}
	if len(c.Grid.LevelWeights) > 0 && (weightSum < 0.999 || weightSum > 1.001) {
		return fmt.Errorf("grid: level weights sum to %v, want 1", weightSum)
	}

	if len(c.Exits.PartialLevelThresholds) != len(c.Exits.PartialLevelFractions) {
		return fmt.Errorf("exits: %d partial thresholds but %d fractions",
			len(c.Exits.PartialLevelThresholds), len(c.Exits.PartialLevelFractions))
	}

	if c.Server.Enabled && c.Server.JWTSecret == "" {
		return fmt.Errorf("server enabled but jwt_secret is empty")
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides. Environment takes
// precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.EquityBroker.APIKey = getEnvOrDefault("EQUITY_API_KEY", cfg.EquityBroker.APIKey)
	cfg.EquityBroker.APISecret = getEnvOrDefault("EQUITY_API_SECRET", cfg.EquityBroker.APISecret)
	cfg.EquityBroker.BaseURL = getEnvOrDefault("EQUITY_BASE_URL", cfg.EquityBroker.BaseURL)
	cfg.EquityBroker.DataURL = getEnvOrDefault("EQUITY_DATA_URL", cfg.EquityBroker.DataURL)

	cfg.CryptoBroker.APIKey = getEnvOrDefault("CRYPTO_API_KEY", cfg.CryptoBroker.APIKey)
	cfg.CryptoBroker.APISecret = getEnvOrDefault("CRYPTO_API_SECRET", cfg.CryptoBroker.APISecret)
	cfg.CryptoBroker.BaseURL = getEnvOrDefault("CRYPTO_BASE_URL", cfg.CryptoBroker.BaseURL)
	cfg.CryptoBroker.WSPublic = getEnvOrDefault("CRYPTO_WS_PUBLIC", cfg.CryptoBroker.WSPublic)
	cfg.CryptoBroker.WSPrivate = getEnvOrDefault("CRYPTO_WS_PRIVATE", cfg.CryptoBroker.WSPrivate)

	cfg.Trading.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Trading.DryRun)
	cfg.Trading.Capital = getEnvFloatOrDefault("TRADING_CAPITAL", cfg.Trading.Capital)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)
	if cfg.Database.URL != "" {
		cfg.Database.Enabled = true
	}

	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.AdminTokenHash = getEnvOrDefault("SERVER_ADMIN_TOKEN_HASH", cfg.Server.AdminTokenHash)
	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}
