package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/alpaca"
	"multi-asset-trading-bot/internal/api"
	"multi-asset-trading-bot/internal/backtest"
	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/engine"
	"multi-asset-trading-bot/internal/events"
	"multi-asset-trading-bot/internal/exits"
	"multi-asset-trading-bot/internal/grid"
	"multi-asset-trading-bot/internal/history"
	"multi-asset-trading-bot/internal/indicators"
	"multi-asset-trading-bot/internal/kraken"
	"multi-asset-trading-bot/internal/regime"
	"multi-asset-trading-bot/internal/sizing"
	"multi-asset-trading-bot/internal/state"
	"multi-asset-trading-bot/internal/strategy"
)

const (
	exitOK     = 0
	exitConfig = 2 // fatal configuration error
	exitAuth   = 3 // unrecoverable broker auth failure at startup
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Msg("Configuration loaded")

	restTimeout := cfg.Resilience.RESTTimeout
	if restTimeout <= 0 {
		restTimeout = 10 * time.Second
	}

	alpacaClient := alpaca.NewClient(
		cfg.EquityBroker.APIKey, cfg.EquityBroker.APISecret,
		cfg.EquityBroker.BaseURL, cfg.EquityBroker.DataURL, restTimeout)
	krakenClient := kraken.NewClient(
		cfg.CryptoBroker.APIKey, cfg.CryptoBroker.APISecret,
		cfg.CryptoBroker.BaseURL, restTimeout)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if code := verifyBrokerAuth(startupCtx, cfg, alpacaClient, krakenClient, logger); code != exitOK {
		return code
	}

	resilience := broker.ResilienceConfig{
		MaxRetries:      cfg.Resilience.MaxRetries,
		InitialInterval: cfg.Resilience.InitialInterval,
		MaxInterval:     cfg.Resilience.MaxInterval,
		BreakerFailures: cfg.Resilience.BreakerFailures,
		BreakerCooldown: cfg.Resilience.BreakerCooldown,
	}
	equity := broker.NewResilientEquity(alpacaClient, resilience, logger)
	crypto := broker.NewResilientCrypto(krakenClient, resilience, logger)

	bus := events.NewBus()
	registry := indicators.NewRegistry()
	detector := regime.NewDetector(cfg.Regime, logger)
	dispatcher := strategy.NewDispatcher("macd", logger)
	if cfg.Features.MultiTimeframe {
		dispatcher.AttachTimeframeAnalyzer(engine.NewTimeframeConsensus(registry))
	}
	perf := state.NewPerformanceStats()
	heartbeats := state.NewHeartbeatTable()

	quotes := kraken.NewQuoteStream(cfg.CryptoBroker.WSPublic, cfg.CryptoLoop.QuoteStalenessMs, logger)
	orders := kraken.NewOrderStream(cfg.CryptoBroker.WSPrivate, cfg.Resilience.WSTimeout,
		krakenClient.GetWebSocketsToken, logger)
	prices := kraken.NewPriceSource(quotes, crypto, logger)
	quotes.OnTicker = func(symbol string, last, bid, ask float64) {
		bus.Publish(events.TagMarketUpdate, map[string]interface{}{
			"symbol": symbol,
			"price":  last,
			"bid":    bid,
			"ask":    ask,
		})
	}

	var store *history.Store
	if cfg.Database.Enabled {
		store, err = history.NewStore(startupCtx, cfg.Database.URL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Trade history unavailable, continuing without persistence")
			store = nil
		} else {
			defer store.Close()
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	states := history.NewStateStore(redisClient, "crypto", logger)

	gridEngine := grid.New(cfg.Grid, crypto, registry, perf, logger)

	deps := &engine.Services{
		Cfg:        cfg,
		Equity:     equity,
		Crypto:     crypto,
		Prices:     prices,
		Quotes:     quotes,
		Orders:     orders,
		Indicators: registry,
		Regime:     detector,
		Dispatcher: dispatcher,
		Sizer:      sizing.New(cfg.Sizing, cfg.Features, cfg.Trading.FractionalShares, logger),
		Exits:      exits.New(cfg.Exits, cfg.Features, logger),
		Grid:       gridEngine,
		Perf:       perf,
		Heartbeats: heartbeats,
		Bus:        bus,
		States:     states,
		Logger:     logger,
	}
	if store != nil {
		deps.History = store
	}
	if cfg.Vault.Enabled {
		deps.SelfHeal = func(context.Context) error {
			if err := config.ReloadCredentials(cfg); err != nil {
				return err
			}
			alpacaClient.SetCredentials(cfg.EquityBroker.APIKey, cfg.EquityBroker.APISecret)
			krakenClient.SetCredentials(cfg.CryptoBroker.APIKey, cfg.CryptoBroker.APISecret)
			return nil
		}
	}

	runners := make([]*engine.ProfileRunner, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		runners = append(runners, engine.NewProfileRunner(p, deps))
	}
	cryptoLoop := engine.NewCryptoLoop(cfg.CryptoLoop, deps)
	gridEngine.EntryGate = cryptoLoop.GridEntryGate

	emergency := engine.NewEmergencyProtocol(equity, crypto, bus, logger)
	backtester := backtest.NewEngine(equity, strategy.NewMACDStrategy(), logger)
	supervisor := engine.NewSupervisor(deps, runners, cryptoLoop, emergency, backtester)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor.Start()

	if cfg.Server.Enabled {
		var stats api.StatsSource
		if store != nil {
			stats = store
		}
		server := api.NewServer(cfg.Server, supervisor, stats, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Command API failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")
	supervisor.Stop()
	return exitOK
}

// verifyBrokerAuth fails fast on bad credentials so a misconfigured deploy
// does not spin on retries. Transient startup errors are tolerated.
func verifyBrokerAuth(ctx context.Context, cfg *config.Config, eq broker.Equity, cr broker.Crypto, logger zerolog.Logger) int {
	if _, err := eq.GetAccount(ctx); err != nil {
		if broker.IsKind(err, broker.KindAuth) {
			logger.Error().Err(err).Msg("Equity broker rejected credentials")
			return exitAuth
		}
		logger.Warn().Err(err).Msg("Equity broker unreachable at startup, continuing")
	}
	if cfg.CryptoBroker.APIKey != "" {
		if _, err := cr.GetTradeBalance(ctx); err != nil {
			if broker.IsKind(err, broker.KindAuth) {
				logger.Error().Err(err).Msg("Crypto broker rejected credentials")
				return exitAuth
			}
			logger.Warn().Err(err).Msg("Crypto broker unreachable at startup, continuing")
		}
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
