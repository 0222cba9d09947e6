package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-futures-bot/config"
	"crypto-futures-bot/internal/api"
	"crypto-futures-bot/internal/bot"
	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/database"
	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/exits"
	"crypto-futures-bot/internal/ledger"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/notification"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
	"crypto-futures-bot/internal/sentinel"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := buildLogger(cfg.Logging)
	logger.Info().Str("level", cfg.Logging.Level).Msg("Logging initialized")

	// Initialize event bus
	bus := events.NewBus()
	logger.Info().Msg("Event bus initialized")

	// Initialize notification manager
	if cfg.Notification.Enabled {
		notifyManager := notification.NewManager(logger)
		if cfg.Notification.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(cfg.Notification.Telegram))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.Notification.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(cfg.Notification.Discord))
			logger.Info().Msg("Discord notifications enabled")
		}
		notifyManager.Attach(bus)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)

	// Initialize Redis hot state mirror
	var state bot.StateStore
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		state = database.NewRedisStateStore(redisClient)
		logger.Info().Str("addr", cfg.Redis.Address).Msg("Redis state mirror enabled")
	}

	// Market data and order execution
	cache := market.NewCandleCache()
	client := market.NewClient(cfg.Exchange, cache, logger)
	stream := market.NewPriceStream(cfg.Exchange.StreamURL, cfg.Bot.Symbols, cache, logger)

	var exec market.OrderExecutor = client
	if cfg.PaperTrading {
		exec = market.NewPaperExecutor(client, logger)
		logger.Info().Msg("Paper trading mode: orders are simulated")
	}

	// Capital ledger and risk services
	account := ledger.NewAccount(cfg.Ledger.StartingBalance, logger)
	tiers := risk.NewTierService(cfg.Tiers, logger)
	stops := risk.NewStopCalculator(cfg.Stops)

	// Decision and lifecycle services
	engine := scoring.NewEngine(cfg.Scoring, client, logger)
	breaker := circuit.NewBreaker(cfg.Circuit, bus, logger)
	manager := position.NewManager(cfg.Position, client, exec, account, tiers, stops,
		breaker, repo, bus, logger)
	supervisor := exits.NewSupervisor(cfg.Exits, manager, bus, logger)
	recovery := sentinel.NewRecovery(cfg.Sentinel, breaker, client, stops, repo, bus, logger)
	monitor := regime.NewMonitor(cfg.Regime, regime.NewClassifier(nil), client, repo, logger)

	tradingBot := bot.New(cfg.Bot, client, stream, engine, manager, supervisor,
		breaker, recovery, monitor, account, repo, repo, state, bus, logger)

	// Web server
	server := api.NewServer(cfg.Server, tradingBot, repo, bus)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(runCtx)
	}()

	botErr := make(chan error, 1)
	go func() {
		botErr <- tradingBot.Run(runCtx)
	}()

	select {
	case err := <-botErr:
		if err != nil {
			logger.Error().Err(err).Msg("Bot stopped with error")
		}
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server stopped with error")
		}
	case <-runCtx.Done():
		logger.Info().Msg("Shutdown signal received")
	}
	stop()

	// Give the server and loops a moment to drain
	<-time.After(2 * time.Second)
	logger.Info().Msg("Shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
