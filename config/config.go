package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crypto-futures-bot/internal/api"
	"crypto-futures-bot/internal/bot"
	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/database"
	"crypto-futures-bot/internal/exits"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/notification"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
	"crypto-futures-bot/internal/sentinel"
)

// Config aggregates every component's settings. Values load from
// config.json first; environment variables override.
type Config struct {
	Exchange     market.ClientConfig   `json:"exchange"`
	Bot          *bot.Config           `json:"bot"`
	Scoring      *scoring.Config       `json:"scoring"`
	Position     *position.Config      `json:"position"`
	Exits        *exits.Config         `json:"exits"`
	Circuit      *circuit.Config       `json:"circuit"`
	Sentinel     *sentinel.Config      `json:"sentinel"`
	Regime       *regime.MonitorConfig `json:"regime"`
	Tiers        *risk.TierConfig      `json:"tiers"`
	Stops        *risk.StopConfig      `json:"stops"`
	Ledger       LedgerConfig          `json:"ledger"`
	Database     database.Config       `json:"database"`
	Redis        RedisConfig           `json:"redis"`
	Notification NotificationConfig    `json:"notification"`
	Server       api.ServerConfig      `json:"server"`
	Logging      LoggingConfig         `json:"logging"`
	PaperTrading bool                  `json:"paper_trading"`
}

// LedgerConfig holds margin ledger settings
type LedgerConfig struct {
	StartingBalance float64 `json:"starting_balance"`
}

// RedisConfig holds Redis hot-state settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NotificationConfig holds provider settings
type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Load reads config.json if present and applies environment overrides
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills every nil sub-config with its package defaults
func applyDefaults(cfg *Config) {
	if cfg.Bot == nil {
		cfg.Bot = bot.DefaultConfig()
	}
	if cfg.Scoring == nil {
		cfg.Scoring = scoring.DefaultConfig()
	}
	if cfg.Position == nil {
		cfg.Position = position.DefaultConfig()
	}
	if cfg.Exits == nil {
		cfg.Exits = exits.DefaultConfig()
	}
	if cfg.Circuit == nil {
		cfg.Circuit = circuit.DefaultConfig()
	}
	if cfg.Sentinel == nil {
		cfg.Sentinel = sentinel.DefaultConfig()
	}
	if cfg.Regime == nil {
		cfg.Regime = regime.DefaultMonitorConfig()
	}
	if cfg.Tiers == nil {
		cfg.Tiers = risk.DefaultTierConfig()
	}
	if cfg.Stops == nil {
		cfg.Stops = risk.DefaultStopConfig()
	}
	if cfg.Ledger.StartingBalance <= 0 {
		cfg.Ledger.StartingBalance = 10000
	}
	if cfg.Database.Host == "" {
		cfg.Database = database.Config{
			Host: "localhost", Port: 5432, User: "postgres",
			Password: "postgres", Database: "crypto_futures_bot", SSLMode: "disable",
		}
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides applies environment variable overrides. These take
// precedence over config.json.
func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.Exchange.StreamURL)
	cfg.PaperTrading = getEnvBoolOrDefault("PAPER_TRADING", cfg.PaperTrading)

	if symbols := os.Getenv("BOT_SYMBOLS"); symbols != "" {
		cfg.Bot.Symbols = strings.Split(symbols, ",")
	}
	cfg.Bot.ScanInterval = getEnvDurationOrDefault("BOT_SCAN_INTERVAL", cfg.Bot.ScanInterval)

	cfg.Scoring.MinScore = getEnvFloatOrDefault("SCORING_MIN_SCORE", cfg.Scoring.MinScore)
	cfg.Position.BaseCapital = getEnvFloatOrDefault("POSITION_BASE_CAPITAL", cfg.Position.BaseCapital)
	cfg.Ledger.StartingBalance = getEnvFloatOrDefault("LEDGER_STARTING_BALANCE", cfg.Ledger.StartingBalance)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("WEB_PRODUCTION", cfg.Server.ProductionMode)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
