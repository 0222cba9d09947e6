package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/ledger"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

// OpenStatus is the typed outcome of OpenCandidate. "Cannot open right
// now" is an expected, frequent result, not an error.
type OpenStatus string

const (
	StatusOpened              OpenStatus = "OPENED"
	StatusBelowThreshold      OpenStatus = "BELOW_THRESHOLD"
	StatusConflictingPosition OpenStatus = "CONFLICTING_POSITION"
	StatusTierForbidden       OpenStatus = "TIER_FORBIDDEN"
	StatusBreakerRejected     OpenStatus = "BREAKER_REJECTED"
	StatusInsufficientCapital OpenStatus = "INSUFFICIENT_CAPITAL"
)

// OpenResult describes the outcome of an open attempt
type OpenResult struct {
	Status OpenStatus
	Reason string
}

// EntryGate admits or rejects a new real entry. The circuit breaker
// implements this; admission and its rate-counter increment happen
// atomically inside the gate. CancelAdmission returns the slot when an
// admitted open fails before any order is placed, so aborted opens do
// not count against the rate limit.
type EntryGate interface {
	AdmitOpen(symbol string, direction scoring.Direction) (allowed bool, reason string)
	CancelAdmission()
}

// Repository persists positions
type Repository interface {
	SavePosition(ctx context.Context, pos *Position) error
	UpdatePosition(ctx context.Context, pos *Position) error
	GetOpenPositions(ctx context.Context) ([]*Position, error)
}

// CloseObserver is notified after a position fully closes. The bot
// wires the circuit breaker and exit supervisor here.
type CloseObserver func(pos *Position)

// Config holds lifecycle manager settings
type Config struct {
	StrategyVersion string        `json:"strategy_version"`
	BaseCapital     float64       `json:"base_capital"` // intended capital per position before multipliers
	BatchCount      int           `json:"batch_count"`
	BatchInterval   time.Duration `json:"batch_interval"`
	SamplingWindow  time.Duration `json:"sampling_window"` // confirmation timeout
	EntryWindow     time.Duration `json:"entry_window"`    // building timeout
	EntryGuardPct   float64       `json:"entry_guard_pct"` // adverse move that halts building
	MaxHoldDuration time.Duration `json:"max_hold_duration"`

	// Staged exit: unhurried closes (take profit, max hold) scale out
	// in batches instead of dumping the full size at market.
	ExitBatchCount    int           `json:"exit_batch_count"`
	ExitBatchInterval time.Duration `json:"exit_batch_interval"`

	ShortTimeframe market.Timeframe `json:"short_timeframe"`
	MidTimeframe   market.Timeframe `json:"mid_timeframe"`
	StopLookback   int              `json:"stop_lookback"` // candles used to size stops
}

// DefaultConfig returns the standard lifecycle settings
func DefaultConfig() *Config {
	return &Config{
		StrategyVersion:   "v1",
		BaseCapital:       500,
		BatchCount:        3,
		BatchInterval:     90 * time.Second,
		SamplingWindow:    15 * time.Minute,
		EntryWindow:       10 * time.Minute,
		EntryGuardPct:     1.0,
		MaxHoldDuration:   8 * time.Hour,
		ExitBatchCount:    2,
		ExitBatchInterval: 60 * time.Second,
		ShortTimeframe:    market.TF15m,
		MidTimeframe:      market.TF1h,
		StopLookback:      48,
	}
}

// Manager drives positions through their lifecycle
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	data    market.DataSource
	exec    market.OrderExecutor
	account *ledger.Account
	tiers   *risk.TierService
	stops   *risk.StopCalculator
	gate    EntryGate
	repo    Repository
	bus     *events.Bus
	logger  zerolog.Logger

	open      map[string]*Position // key -> non-CLOSED position
	observers []CloseObserver
}

// NewManager creates a position lifecycle manager. repo may be nil.
func NewManager(cfg *Config, data market.DataSource, exec market.OrderExecutor,
	account *ledger.Account, tiers *risk.TierService, stops *risk.StopCalculator,
	gate EntryGate, repo Repository, bus *events.Bus, logger zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:     cfg,
		data:    data,
		exec:    exec,
		account: account,
		tiers:   tiers,
		stops:   stops,
		gate:    gate,
		repo:    repo,
		bus:     bus,
		open:    make(map[string]*Position),
		logger:  logger.With().Str("component", "PositionManager").Logger(),
	}
}

// OnClose registers an observer for closed positions
func (m *Manager) OnClose(obs CloseObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// OpenCandidate converts a qualifying signal into a SAMPLING position.
// All rejection paths are typed results.
func (m *Manager) OpenCandidate(ctx context.Context, signal *scoring.ScoredSignal, rec regime.Record) (*Position, OpenResult) {
	if signal == nil || !signal.PassesThreshold {
		return nil, OpenResult{Status: StatusBelowThreshold}
	}

	tier := m.tiers.GetRiskTier(signal.Symbol)
	if tier.Level == risk.TierForbidden {
		return nil, OpenResult{Status: StatusTierForbidden, Reason: "risk tier forbids trading " + signal.Symbol}
	}

	key := signal.Symbol + "|" + string(signal.Direction) + "|" + m.cfg.StrategyVersion

	m.mu.Lock()
	if _, exists := m.open[key]; exists {
		m.mu.Unlock()
		return nil, OpenResult{Status: StatusConflictingPosition}
	}
	m.mu.Unlock()

	// Admission and rate-counter increment are atomic inside the gate
	if allowed, reason := m.gate.AdmitOpen(signal.Symbol, signal.Direction); !allowed {
		return nil, OpenResult{Status: StatusBreakerRejected, Reason: reason}
	}

	// From here on a failed open returns its rate slot: nothing was
	// opened, so nothing should count toward the open-rate window.
	intended := m.cfg.BaseCapital * tier.CapitalMultiplier * rec.PositionSizeMultiplier
	if err := m.account.ReserveMargin(intended); err != nil {
		m.gate.CancelAdmission()
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, OpenResult{Status: StatusInsufficientCapital, Reason: err.Error()}
		}
		return nil, OpenResult{Status: StatusInsufficientCapital, Reason: err.Error()}
	}

	signalPrice, err := m.data.GetLatestPrice(ctx, signal.Symbol)
	if err != nil || signalPrice <= 0 {
		m.account.ReleaseMargin(intended, 0)
		m.gate.CancelAdmission()
		return nil, OpenResult{Status: StatusBelowThreshold, Reason: "no price available"}
	}

	// Stop parameters are fixed now, from realized volatility at entry
	stopCandles, _ := m.data.GetCandles(ctx, signal.Symbol, m.cfg.MidTimeframe, m.cfg.StopLookback)
	stopParams := m.stops.FromCandles(stopCandles)

	now := time.Now()
	pos := &Position{
		ID:               uuid.NewString(),
		Symbol:           signal.Symbol,
		Direction:        signal.Direction,
		StrategyVersion:  m.cfg.StrategyVersion,
		Tier:             tier,
		Phase:            PhaseSampling,
		Stops:            stopParams,
		SignalPrice:      signalPrice,
		ReservedMargin:   intended,
		OpenedAt:         now,
		SamplingDeadline: now.Add(m.cfg.SamplingWindow),
		BatchesPlanned:   m.cfg.BatchCount,
		SignalSnapshot:   signal,
	}

	m.mu.Lock()
	// Re-check under the lock: another goroutine may have opened the
	// same key while we fetched market data.
	if _, exists := m.open[key]; exists {
		m.mu.Unlock()
		m.account.ReleaseMargin(intended, 0)
		m.gate.CancelAdmission()
		return nil, OpenResult{Status: StatusConflictingPosition}
	}
	m.open[key] = pos
	m.mu.Unlock()

	m.persist(ctx, pos, true)
	m.bus.Publish(events.Event{
		Type:   events.EventPositionOpened,
		Symbol: pos.Symbol,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"direction":   string(pos.Direction),
			"tier":        string(tier.Level),
			"capital":     intended,
			"score":       signal.Total,
		},
	})

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Float64("capital", intended).
		Float64("score", signal.Total).
		Msg("candidate opened, awaiting confirmation")

	return pos, OpenResult{Status: StatusOpened}
}

// AdvanceAll progresses every SAMPLING, BUILDING and EXIT_SAMPLING
// position. Called on each scan tick.
func (m *Manager) AdvanceAll(ctx context.Context, now time.Time) {
	for _, pos := range m.OpenPositions() {
		m.Advance(ctx, pos, now)
	}
}

// Advance progresses one position's entry or exit state machine
func (m *Manager) Advance(ctx context.Context, pos *Position, now time.Time) {
	pos.RLock()
	phase := pos.Phase
	pos.RUnlock()

	switch phase {
	case PhaseSampling:
		m.advanceSampling(ctx, pos, now)
	case PhaseBuilding:
		m.advanceBuilding(ctx, pos, now)
	case PhaseExitSampling:
		m.advanceExitSampling(ctx, pos, now)
	}
}

// advanceSampling waits for a confirming short-timeframe candle
func (m *Manager) advanceSampling(ctx context.Context, pos *Position, now time.Time) {
	if now.After(pos.SamplingDeadline) {
		m.logger.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
			Msg("no confirming candle within window, discarding candidate")
		m.close(ctx, pos, CloseEntryAborted, 0)
		return
	}

	candles, err := m.data.GetCandles(ctx, pos.Symbol, m.cfg.ShortTimeframe, 3)
	if err != nil || len(candles) < 2 {
		return // Retry next tick
	}

	// The last fully closed candle must agree with the signal direction
	confirm := candles[len(candles)-2]
	agrees := (pos.IsLong() && confirm.IsBullish()) || (!pos.IsLong() && confirm.IsBearish())
	if !agrees {
		return
	}

	pos.Lock()
	if err := pos.transitionTo(PhaseBuilding); err != nil {
		pos.Unlock()
		return
	}
	pos.NextBatchAt = now
	pos.EntryDeadline = now.Add(m.cfg.EntryWindow)
	pos.Unlock()

	m.persist(ctx, pos, false)
	m.publishPhase(pos)
	m.logger.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Msg("confirming candle observed, building position")
}

// advanceBuilding executes due batches and seals the position
func (m *Manager) advanceBuilding(ctx context.Context, pos *Position, now time.Time) {
	if now.After(pos.EntryDeadline) {
		m.seal(ctx, pos, "entry window elapsed")
		return
	}
	if now.Before(pos.NextBatchAt) || len(pos.Batches) >= pos.BatchesPlanned {
		return
	}

	price, err := m.data.GetLatestPrice(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		return // Retry on next tick; DataUnavailable is absorbed here
	}

	// Re-validate direction before committing more capital
	if AdverseMovePct(pos.Direction, pos.SignalPrice, price) > m.cfg.EntryGuardPct {
		m.logger.Warn().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
			Float64("price", price).Msg("adverse move beyond entry guard, halting batches")
		m.seal(ctx, pos, "entry guard")
		return
	}

	batchCapital := pos.ReservedMargin / float64(pos.BatchesPlanned)
	quantity := batchCapital / price
	fillPrice, err := m.exec.SubmitMarketOrder(ctx, pos.Symbol, m.entrySide(pos), quantity)
	if err != nil {
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("batch order failed")
		return
	}

	pos.Lock()
	pos.ApplyFill(quantity, fillPrice, now)
	pos.NextBatchAt = now.Add(m.cfg.BatchInterval)
	filled := len(pos.Batches)
	pos.Unlock()

	m.persist(ctx, pos, false)
	m.bus.Publish(events.Event{
		Type:   events.EventBatchFilled,
		Symbol: pos.Symbol,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"batch":       filled,
			"of":          pos.BatchesPlanned,
			"quantity":    quantity,
			"price":       fillPrice,
		},
	})

	if filled >= pos.BatchesPlanned {
		m.seal(ctx, pos, "all batches filled")
	}
}

// seal finishes BUILDING: with fills the position moves to HOLDING
// with its exit levels fixed; without any it is discarded.
func (m *Manager) seal(ctx context.Context, pos *Position, why string) {
	pos.Lock()
	if len(pos.Batches) == 0 {
		pos.Unlock()
		m.close(ctx, pos, CloseEntryAborted, 0)
		return
	}

	if err := pos.transitionTo(PhaseHolding); err != nil {
		pos.Unlock()
		return
	}
	pos.StopLossPrice, pos.TakeProfitPrice = pos.Stops.Levels(pos.AvgEntryPrice, pos.IsLong())
	pos.PeakPrice = pos.AvgEntryPrice
	pos.MaxHoldUntil = time.Now().Add(m.cfg.MaxHoldDuration)

	// Return whatever margin the batches did not consume
	unused := pos.ReservedMargin - pos.UsedMargin
	if unused > 0 {
		pos.ReservedMargin = pos.UsedMargin
	}
	avgEntry := pos.AvgEntryPrice
	stopLoss := pos.StopLossPrice
	takeProfit := pos.TakeProfitPrice
	batches := len(pos.Batches)
	pos.Unlock()

	if unused > 0 {
		m.account.ReleaseMargin(unused, 0)
	}

	m.persist(ctx, pos, false)
	m.publishPhase(pos)
	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("why", why).
		Float64("avg_entry", avgEntry).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Int("batches", batches).
		Msg("position sealed, now holding")
}

// BeginStagedExit moves a HOLDING position into EXIT_SAMPLING to scale
// out over the configured number of batches. Used for unhurried
// triggers; urgent exits go through ForceClose. Safe to call more than
// once: only the HOLDING transition takes effect.
func (m *Manager) BeginStagedExit(ctx context.Context, pos *Position, reason CloseReason) {
	pos.Lock()
	if err := pos.transitionTo(PhaseExitSampling); err != nil {
		pos.Unlock()
		return
	}
	planned := m.cfg.ExitBatchCount
	if planned < 1 {
		planned = 1
	}
	pos.ExitReason = reason
	pos.ExitBatchesPlanned = planned
	pos.NextExitBatchAt = time.Now()
	pos.Unlock()

	m.persist(ctx, pos, false)
	m.publishPhase(pos)
	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Int("batches", planned).
		Msg("scaling out")
}

// exitDust is the quantity below which a remainder counts as fully
// scaled out rather than worth another order.
const exitDust = 1e-9

// advanceExitSampling sells the next due scale-out batch; the last one
// takes the whole remainder so nothing is stranded by float residue.
func (m *Manager) advanceExitSampling(ctx context.Context, pos *Position, now time.Time) {
	pos.RLock()
	remaining := pos.RemainingQuantity()
	due := !now.Before(pos.NextExitBatchAt)
	left := pos.ExitBatchesPlanned - len(pos.ExitBatches)
	pos.RUnlock()

	if remaining <= exitDust {
		m.finishStagedExit(ctx, pos)
		return
	}
	if !due {
		return
	}

	quantity := remaining
	if left > 1 {
		quantity = remaining / float64(left)
	}
	fillPrice, err := m.exec.SubmitMarketOrder(ctx, pos.Symbol, m.exitSide(pos), quantity)
	if err != nil {
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("exit batch order failed")
		return
	}

	pos.Lock()
	pos.ApplyExitFill(quantity, fillPrice, now)
	pos.NextExitBatchAt = now.Add(m.cfg.ExitBatchInterval)
	remaining = pos.RemainingQuantity()
	done := len(pos.ExitBatches)
	planned := pos.ExitBatchesPlanned
	pos.Unlock()

	m.persist(ctx, pos, false)
	m.bus.Publish(events.Event{
		Type:   events.EventBatchFilled,
		Symbol: pos.Symbol,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"stage":       "exit",
			"batch":       done,
			"of":          planned,
			"quantity":    quantity,
			"price":       fillPrice,
		},
	})

	if remaining <= exitDust {
		m.finishStagedExit(ctx, pos)
	}
}

func (m *Manager) finishStagedExit(ctx context.Context, pos *Position) {
	pos.RLock()
	reason := pos.ExitReason
	exitPrice := pos.AvgExitPrice()
	pos.RUnlock()
	if reason == "" {
		reason = CloseManual
	}
	m.close(ctx, pos, reason, exitPrice)
}

// ForceClose closes a position at market from any phase, selling
// whatever quantity scale-out batches have not already returned
func (m *Manager) ForceClose(ctx context.Context, pos *Position, reason CloseReason) {
	pos.RLock()
	terminal := pos.Phase.IsTerminal()
	remaining := pos.RemainingQuantity()
	pos.RUnlock()
	if terminal {
		return
	}

	if remaining > exitDust {
		fill, err := m.exec.SubmitMarketOrder(ctx, pos.Symbol, m.exitSide(pos), remaining)
		if err != nil {
			// Fall back to the last known price so the ledger is not
			// left hanging; the execution layer owns retries.
			m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("close order failed, using last price")
			if last, perr := m.data.GetLatestPrice(ctx, pos.Symbol); perr == nil {
				fill = last
			}
		}
		if fill > 0 {
			pos.Lock()
			pos.ApplyExitFill(remaining, fill, time.Now())
			pos.Unlock()
		}
	}

	pos.RLock()
	exitPrice := pos.AvgExitPrice()
	pos.RUnlock()
	m.close(ctx, pos, reason, exitPrice)
}

// close finalizes the position and releases its capital
func (m *Manager) close(ctx context.Context, pos *Position, reason CloseReason, exitPrice float64) {
	m.mu.Lock()
	pos.Lock()
	if pos.Phase.IsTerminal() {
		pos.Unlock()
		m.mu.Unlock()
		return
	}
	pos.Phase = PhaseClosed
	pos.ClosedAt = time.Now()
	pos.CloseReason = reason
	pos.ExitPrice = exitPrice

	pnl := 0.0
	pnlPct := 0.0
	if pos.TotalQuantity > 0 && exitPrice > 0 {
		pnl, pnlPct = pos.UnrealizedPnl(exitPrice)
	}
	pos.RealizedPnl = pnl
	reserved := pos.ReservedMargin
	key := pos.Key()
	entryPrice := pos.AvgEntryPrice
	pos.Unlock()
	delete(m.open, key)
	observers := make([]CloseObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.account.ReleaseMargin(reserved, pnl)
	if reason != CloseEntryAborted {
		m.tiers.RecordClose(pos.Symbol, pnl)
	}

	m.persist(ctx, pos, false)
	m.bus.PublishPositionClosed(pos.Symbol, string(pos.Direction), string(reason),
		entryPrice, exitPrice, pnl, pnlPct)

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("reason", string(reason)).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")

	for _, obs := range observers {
		obs(pos)
	}
}

// OpenPositions returns all non-CLOSED positions
func (m *Manager) OpenPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Position, 0, len(m.open))
	for _, pos := range m.open {
		out = append(out, pos)
	}
	return out
}

// HoldingPositions returns positions under exit supervision
func (m *Manager) HoldingPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Position
	for _, pos := range m.open {
		pos.RLock()
		supervised := pos.Phase == PhaseHolding || pos.Phase == PhaseExitSampling
		pos.RUnlock()
		if supervised {
			out = append(out, pos)
		}
	}
	return out
}

// Persist writes the position's current state through the repository.
// The exit supervisor calls it after it arms trailing or lifts a stop
// so a restart does not roll the protection back.
func (m *Manager) Persist(ctx context.Context, pos *Position) {
	m.persist(ctx, pos, false)
}

// Get returns the open position for a symbol and direction, if any
func (m *Manager) Get(symbol string, dir scoring.Direction) *Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open[symbol+"|"+string(dir)+"|"+m.cfg.StrategyVersion]
}

// Restore re-registers positions recovered from persistence at startup
func (m *Manager) Restore(positions []*Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range positions {
		if !pos.Phase.IsTerminal() {
			m.open[pos.Key()] = pos
		}
	}
}

func (m *Manager) entrySide(pos *Position) market.OrderSide {
	if pos.IsLong() {
		return market.SideBuy
	}
	return market.SideSell
}

func (m *Manager) exitSide(pos *Position) market.OrderSide {
	if pos.IsLong() {
		return market.SideSell
	}
	return market.SideBuy
}

func (m *Manager) publishPhase(pos *Position) {
	pos.RLock()
	phase := pos.Phase
	pos.RUnlock()
	m.bus.Publish(events.Event{
		Type:   events.EventPositionPhaseChanged,
		Symbol: pos.Symbol,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"phase":       string(phase),
		},
	})
}

func (m *Manager) persist(ctx context.Context, pos *Position, create bool) {
	if m.repo == nil {
		return
	}
	pos.RLock()
	var err error
	if create {
		err = m.repo.SavePosition(ctx, pos)
	} else {
		err = m.repo.UpdatePosition(ctx, pos)
	}
	pos.RUnlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("position_id", pos.ID).Msg("position persistence failed")
	}
}
