package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
	"crypto-futures-bot/internal/sentinel"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// POSITIONS
// ============================================================================

// SavePosition inserts a new position
func (r *Repository) SavePosition(ctx context.Context, pos *position.Position) error {
	batches, err := json.Marshal(pos.Batches)
	if err != nil {
		return fmt.Errorf("marshal batches: %w", err)
	}
	stops, err := json.Marshal(pos.Stops)
	if err != nil {
		return fmt.Errorf("marshal stops: %w", err)
	}
	snapshot, err := json.Marshal(pos.SignalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal signal snapshot: %w", err)
	}

	query := `
		INSERT INTO positions (
			id, symbol, direction, strategy_version, tier, phase,
			batches, total_quantity, avg_entry_price, stops,
			stop_loss_price, take_profit_price, trailing_activated, peak_price,
			signal_price, reserved_margin, used_margin, opened_at,
			sampling_deadline, entry_deadline, next_batch_at, batches_planned,
			max_hold_until, signal_snapshot
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		pos.ID, pos.Symbol, string(pos.Direction), pos.StrategyVersion,
		string(pos.Tier.Level), string(pos.Phase),
		batches, pos.TotalQuantity, pos.AvgEntryPrice, stops,
		pos.StopLossPrice, pos.TakeProfitPrice, pos.TrailingActivated, pos.PeakPrice,
		pos.SignalPrice, pos.ReservedMargin, pos.UsedMargin, pos.OpenedAt,
		nullTime(pos.SamplingDeadline), nullTime(pos.EntryDeadline),
		nullTime(pos.NextBatchAt), pos.BatchesPlanned,
		nullTime(pos.MaxHoldUntil), snapshot,
	)
	return err
}

// UpdatePosition updates a position's mutable lifecycle state,
// including armed trailing stops and scale-out progress so a restart
// resumes exactly where the position left off
func (r *Repository) UpdatePosition(ctx context.Context, pos *position.Position) error {
	batches, err := json.Marshal(pos.Batches)
	if err != nil {
		return fmt.Errorf("marshal batches: %w", err)
	}
	exitBatches, err := json.Marshal(pos.ExitBatches)
	if err != nil {
		return fmt.Errorf("marshal exit batches: %w", err)
	}

	query := `
		UPDATE positions
		SET phase = $2, batches = $3, total_quantity = $4, avg_entry_price = $5,
			stop_loss_price = $6, take_profit_price = $7, trailing_activated = $8,
			peak_price = $9, reserved_margin = $10, used_margin = $11,
			closed_at = $12, close_reason = $13, realized_pnl = $14, exit_price = $15,
			next_batch_at = $16, entry_deadline = $17, max_hold_until = $18,
			exit_batches = $19, exit_batches_planned = $20,
			next_exit_batch_at = $21, exit_reason = $22,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query,
		pos.ID, string(pos.Phase), batches, pos.TotalQuantity, pos.AvgEntryPrice,
		pos.StopLossPrice, pos.TakeProfitPrice, pos.TrailingActivated,
		pos.PeakPrice, pos.ReservedMargin, pos.UsedMargin,
		nullTime(pos.ClosedAt), nullString(string(pos.CloseReason)),
		pos.RealizedPnl, pos.ExitPrice,
		nullTime(pos.NextBatchAt), nullTime(pos.EntryDeadline), nullTime(pos.MaxHoldUntil),
		exitBatches, pos.ExitBatchesPlanned,
		nullTime(pos.NextExitBatchAt), nullString(string(pos.ExitReason)),
	)
	return err
}

// GetOpenPositions returns all non-CLOSED positions, for restart recovery
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*position.Position, error) {
	query := `
		SELECT id, symbol, direction, strategy_version, tier, phase,
			batches, total_quantity, avg_entry_price, stops,
			stop_loss_price, take_profit_price, trailing_activated, peak_price,
			signal_price, reserved_margin, used_margin, opened_at,
			sampling_deadline, entry_deadline, next_batch_at, batches_planned,
			max_hold_until, signal_snapshot,
			closed_at, close_reason, realized_pnl, exit_price,
			exit_batches, exit_batches_planned, next_exit_batch_at, exit_reason
		FROM positions
		WHERE phase != 'CLOSED'
		ORDER BY opened_at
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// GetClosedPositions returns recently closed positions, newest first
func (r *Repository) GetClosedPositions(ctx context.Context, limit int) ([]*position.Position, error) {
	query := `
		SELECT id, symbol, direction, strategy_version, tier, phase,
			batches, total_quantity, avg_entry_price, stops,
			stop_loss_price, take_profit_price, trailing_activated, peak_price,
			signal_price, reserved_margin, used_margin, opened_at,
			sampling_deadline, entry_deadline, next_batch_at, batches_planned,
			max_hold_until, signal_snapshot,
			closed_at, close_reason, realized_pnl, exit_price,
			exit_batches, exit_batches_planned, next_exit_batch_at, exit_reason
		FROM positions
		WHERE phase = 'CLOSED'
		ORDER BY closed_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func scanPosition(rows pgx.Rows) (*position.Position, error) {
	var (
		pos                             position.Position
		direction, tier, phase          string
		batches, stops, snapshot        []byte
		exitBatches                     []byte
		closeReason, exitReason         sql.NullString
		exitPrice                       sql.NullFloat64
		samplingDeadline, entryDeadline sql.NullTime
		nextBatchAt, maxHoldUntil       sql.NullTime
		nextExitBatchAt, closedAt       sql.NullTime
	)

	err := rows.Scan(
		&pos.ID, &pos.Symbol, &direction, &pos.StrategyVersion, &tier, &phase,
		&batches, &pos.TotalQuantity, &pos.AvgEntryPrice, &stops,
		&pos.StopLossPrice, &pos.TakeProfitPrice, &pos.TrailingActivated, &pos.PeakPrice,
		&pos.SignalPrice, &pos.ReservedMargin, &pos.UsedMargin, &pos.OpenedAt,
		&samplingDeadline, &entryDeadline, &nextBatchAt, &pos.BatchesPlanned,
		&maxHoldUntil, &snapshot,
		&closedAt, &closeReason, &pos.RealizedPnl, &exitPrice,
		&exitBatches, &pos.ExitBatchesPlanned, &nextExitBatchAt, &exitReason,
	)
	if err != nil {
		return nil, err
	}

	pos.Direction = scoring.Direction(direction)
	pos.Tier.Level = risk.TierLevel(tier)
	pos.Phase = position.Phase(phase)
	pos.CloseReason = position.CloseReason(closeReason.String)
	pos.ExitReason = position.CloseReason(exitReason.String)
	pos.ExitPrice = exitPrice.Float64
	pos.ClosedAt = closedAt.Time
	pos.SamplingDeadline = samplingDeadline.Time
	pos.EntryDeadline = entryDeadline.Time
	pos.NextBatchAt = nextBatchAt.Time
	pos.MaxHoldUntil = maxHoldUntil.Time
	pos.NextExitBatchAt = nextExitBatchAt.Time

	if len(batches) > 0 {
		if err := json.Unmarshal(batches, &pos.Batches); err != nil {
			return nil, fmt.Errorf("unmarshal batches for %s: %w", pos.ID, err)
		}
	}
	if len(exitBatches) > 0 && string(exitBatches) != "null" {
		if err := json.Unmarshal(exitBatches, &pos.ExitBatches); err != nil {
			return nil, fmt.Errorf("unmarshal exit batches for %s: %w", pos.ID, err)
		}
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &pos.Stops); err != nil {
			return nil, fmt.Errorf("unmarshal stops for %s: %w", pos.ID, err)
		}
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &pos.SignalSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal signal snapshot for %s: %w", pos.ID, err)
		}
	}
	return &pos, nil
}

// ============================================================================
// SENTINEL ORDERS
// ============================================================================

// SaveSentinelOrder inserts a new sentinel order
func (r *Repository) SaveSentinelOrder(ctx context.Context, order *sentinel.Order) error {
	query := `
		INSERT INTO sentinel_orders (id, symbol, direction, entry_price, stop_loss, take_profit, status, score, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		order.ID, order.Symbol, string(order.Direction),
		order.EntryPrice, order.StopLoss, order.TakeProfit,
		string(order.Status), order.Score, order.OpenedAt,
	)
	return err
}

// UpdateSentinelOrder records a sentinel order resolution
func (r *Repository) UpdateSentinelOrder(ctx context.Context, order *sentinel.Order) error {
	query := `
		UPDATE sentinel_orders
		SET status = $2, resolved_at = $3
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, order.ID, string(order.Status), nullTime(order.ResolvedAt))
	return err
}

// ============================================================================
// CIRCUIT BREAKER STATE
// ============================================================================

// SaveBreakerState upserts the single circuit breaker state row
func (r *Repository) SaveBreakerState(ctx context.Context, state circuit.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	query := `
		INSERT INTO circuit_breaker_state (id, state, updated_at)
		VALUES (1, $1, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET state = $1, updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.Pool.Exec(ctx, query, payload)
	return err
}

// LoadBreakerState returns the persisted breaker state. found is false
// when the bot has never saved one.
func (r *Repository) LoadBreakerState(ctx context.Context) (state circuit.State, found bool, err error) {
	var payload []byte
	err = r.db.Pool.QueryRow(ctx, `SELECT state FROM circuit_breaker_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return circuit.State{}, false, nil
	}
	if err != nil {
		return circuit.State{}, false, err
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return circuit.State{}, false, fmt.Errorf("unmarshal breaker state: %w", err)
	}
	return state, true, nil
}

// ============================================================================
// MARKET REGIME
// ============================================================================

// SaveRegimeRecord appends a regime classification
func (r *Repository) SaveRegimeRecord(ctx context.Context, rec regime.Record) error {
	query := `
		INSERT INTO market_regime_records (
			recorded_at, label, strength, directional_bias,
			size_multiplier, score_adjustment, trend_consistency, momentum_pct
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.Timestamp, string(rec.Label), rec.Strength, string(rec.DirectionalBias),
		rec.PositionSizeMultiplier, rec.ScoreThresholdAdjustment,
		rec.TrendConsistency, rec.MomentumPct,
	)
	return err
}

// GetRegimeHistory returns recent regime records, newest first
func (r *Repository) GetRegimeHistory(ctx context.Context, limit int) ([]regime.Record, error) {
	query := `
		SELECT recorded_at, label, strength, directional_bias,
			size_multiplier, score_adjustment, trend_consistency, momentum_pct
		FROM market_regime_records
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []regime.Record
	for rows.Next() {
		var rec regime.Record
		var label, bias string
		if err := rows.Scan(&rec.Timestamp, &label, &rec.Strength, &bias,
			&rec.PositionSizeMultiplier, &rec.ScoreThresholdAdjustment,
			&rec.TrendConsistency, &rec.MomentumPct); err != nil {
			return nil, err
		}
		rec.Label = regime.Label(label)
		rec.DirectionalBias = regime.Bias(bias)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
