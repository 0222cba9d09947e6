package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			strategy_version VARCHAR(20) NOT NULL,
			tier VARCHAR(20),
			phase VARCHAR(20) NOT NULL,
			batches JSONB,
			total_quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			avg_entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stops JSONB,
			stop_loss_price DECIMAL(20, 8),
			take_profit_price DECIMAL(20, 8),
			trailing_activated BOOLEAN NOT NULL DEFAULT FALSE,
			peak_price DECIMAL(20, 8),
			signal_price DECIMAL(20, 8),
			reserved_margin DECIMAL(20, 8) NOT NULL DEFAULT 0,
			used_margin DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			close_reason VARCHAR(30),
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			exit_price DECIMAL(20, 8),
			sampling_deadline TIMESTAMP,
			entry_deadline TIMESTAMP,
			next_batch_at TIMESTAMP,
			batches_planned INT NOT NULL DEFAULT 0,
			max_hold_until TIMESTAMP,
			exit_batches JSONB,
			exit_batches_planned INT NOT NULL DEFAULT 0,
			next_exit_batch_at TIMESTAMP,
			exit_reason VARCHAR(30),
			signal_snapshot JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_positions_phase ON positions(phase)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions(opened_at DESC)`,

		`CREATE TABLE IF NOT EXISTS sentinel_orders (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			status VARCHAR(10) NOT NULL,
			score DECIMAL(10, 4) NOT NULL DEFAULT 0,
			opened_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sentinel_status ON sentinel_orders(status)`,

		`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
			id INT PRIMARY KEY DEFAULT 1,
			state JSONB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row CHECK (id = 1)
		)`,

		`CREATE TABLE IF NOT EXISTS market_regime_records (
			id SERIAL PRIMARY KEY,
			recorded_at TIMESTAMP NOT NULL,
			label VARCHAR(10) NOT NULL,
			strength DECIMAL(10, 4) NOT NULL,
			directional_bias VARCHAR(10),
			size_multiplier DECIMAL(10, 4) NOT NULL,
			score_adjustment DECIMAL(10, 4) NOT NULL,
			trend_consistency DECIMAL(10, 4) NOT NULL,
			momentum_pct DECIMAL(10, 4) NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_regime_recorded_at ON market_regime_records(recorded_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
