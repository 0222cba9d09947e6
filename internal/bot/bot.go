package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/exits"
	"crypto-futures-bot/internal/ledger"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/scoring"
	"crypto-futures-bot/internal/sentinel"
)

// Config holds the orchestration settings
type Config struct {
	Symbols      []string      `json:"symbols"`
	ScanInterval time.Duration `json:"scan_interval"`
}

// DefaultConfig returns the standard orchestration settings
func DefaultConfig() *Config {
	return &Config{
		Symbols:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"},
		ScanInterval: 30 * time.Second,
	}
}

// StateStore mirrors hot state for dashboards and warm standbys. All
// methods are best-effort; may be nil.
type StateStore interface {
	MirrorPosition(ctx context.Context, pos *position.Position)
	MirrorBreakerState(ctx context.Context, state circuit.State)
}

// BreakerStateRepo persists breaker state across restarts. May be nil.
type BreakerStateRepo interface {
	SaveBreakerState(ctx context.Context, state circuit.State) error
	LoadBreakerState(ctx context.Context) (circuit.State, bool, error)
}

// Bot wires the scoring engine, position lifecycle, exit supervision,
// circuit breaker, sentinel recovery, and regime monitor into the scan
// and price loops.
type Bot struct {
	cfg        *Config
	data       market.DataSource
	stream     *market.PriceStream
	engine     *scoring.Engine
	manager    *position.Manager
	supervisor *exits.Supervisor
	breaker    *circuit.Breaker
	recovery   *sentinel.Recovery
	monitor    *regime.Monitor
	account    *ledger.Account
	repo       position.Repository
	breakerDB  BreakerStateRepo
	state      StateStore
	bus        *events.Bus
	logger     zerolog.Logger

	startedAt time.Time
	wg        sync.WaitGroup
}

// New creates the orchestrator and wires the close-side feedback paths
func New(cfg *Config, data market.DataSource, stream *market.PriceStream,
	engine *scoring.Engine, manager *position.Manager, supervisor *exits.Supervisor,
	breaker *circuit.Breaker, recovery *sentinel.Recovery, monitor *regime.Monitor,
	account *ledger.Account, repo position.Repository, breakerDB BreakerStateRepo,
	state StateStore, bus *events.Bus, logger zerolog.Logger) *Bot {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	b := &Bot{
		cfg:        cfg,
		data:       data,
		stream:     stream,
		engine:     engine,
		manager:    manager,
		supervisor: supervisor,
		breaker:    breaker,
		recovery:   recovery,
		monitor:    monitor,
		account:    account,
		repo:       repo,
		breakerDB:  breakerDB,
		state:      state,
		bus:        bus,
		logger:     logger.With().Str("component", "Bot").Logger(),
	}

	// Every close, whoever triggered it, flows back through here:
	// supervision ends, the reversal guard forgets the direction, and
	// stop-loss closes feed the cascade detector.
	manager.OnClose(b.onPositionClosed)

	return b
}

// Run starts all loops and blocks until the context is cancelled
func (b *Bot) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	if err := b.recover(ctx); err != nil {
		return err
	}

	b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{
		"symbols": b.cfg.Symbols,
	}})
	b.logger.Info().Strs("symbols", b.cfg.Symbols).Msg("bot started")

	if b.stream != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.stream.Run(ctx)
		}()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.priceLoop(ctx)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.scanLoop(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.regimeLoop(ctx)
	}()

	<-ctx.Done()
	b.wg.Wait()
	b.bus.Publish(events.Event{Type: events.EventBotStopped})
	b.logger.Info().Msg("bot stopped")
	return nil
}

// recover reloads open positions and breaker state after a restart
func (b *Bot) recover(ctx context.Context) error {
	if b.breakerDB != nil {
		if state, found, err := b.breakerDB.LoadBreakerState(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("could not load breaker state")
		} else if found {
			b.breaker.Restore(state)
			b.logger.Info().Bool("trading_enabled", state.TradingEnabled).Msg("breaker state restored")
		}
	}

	if b.repo == nil {
		return nil
	}
	positions, err := b.repo.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	b.manager.Restore(positions)
	for _, pos := range positions {
		if pos.Phase == position.PhaseHolding || pos.Phase == position.PhaseExitSampling {
			b.trackHolding(pos)
		}
		// Capital reserved before the restart is still committed
		if pos.ReservedMargin > 0 {
			if err := b.account.ReserveMargin(pos.ReservedMargin); err != nil {
				b.logger.Error().Err(err).Str("position_id", pos.ID).
					Msg("could not re-reserve margin for recovered position")
			}
		}
	}
	b.logger.Info().Int("count", len(positions)).Msg("open positions recovered")
	return nil
}

// scanLoop drives entries: score every symbol, then act on the results
func (b *Bot) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scan(ctx)
		}
	}
}

func (b *Bot) scan(ctx context.Context) {
	now := time.Now()
	b.manager.AdvanceAll(ctx, now)

	// Pick up positions that sealed into HOLDING on this tick
	for _, pos := range b.manager.HoldingPositions() {
		b.trackHolding(pos)
	}

	rec := b.monitor.Latest()

	// Score the whole universe before acting on any of it, so one
	// symbol's entry cannot consume capital a stronger one deserved.
	signals := make(map[string]*scoring.ScoredSignal, len(b.cfg.Symbols))
	for _, symbol := range b.cfg.Symbols {
		if sig := b.engine.ScoreBoth(ctx, symbol, rec); sig != nil {
			signals[symbol] = sig
		}
	}

	// Reversal checks against held positions come before new entries
	for _, pos := range b.manager.HoldingPositions() {
		sig := signals[pos.Symbol]
		if sig == nil || sig.Direction == pos.Direction {
			continue
		}
		if b.supervisor.IsReversal(pos, sig) {
			b.logger.Warn().
				Str("position_id", pos.ID).
				Str("symbol", pos.Symbol).
				Float64("opposite_score", sig.Total).
				Msg("confirmed signal reversal, closing position")
			b.manager.ForceClose(ctx, pos, position.CloseSignalReversal)
		}
	}

	for symbol, sig := range signals {
		if !sig.PassesThreshold {
			continue
		}
		if !b.breaker.DirectionEnabled(sig.Direction) {
			// Shadow trade instead of a real entry while tripped
			b.recovery.OpenShadow(ctx, sig)
			continue
		}
		pos, result := b.manager.OpenCandidate(ctx, sig, rec)
		switch result.Status {
		case position.StatusOpened:
			b.logger.Info().Str("symbol", symbol).Str("direction", string(sig.Direction)).
				Float64("score", sig.Total).Msg("position candidate opened")
			if b.state != nil {
				b.state.MirrorPosition(ctx, pos)
			}
		case position.StatusBreakerRejected:
			// The admission itself may have tripped the breaker; route
			// the signal to the sentinel so the cycle keeps measuring.
			b.recovery.OpenShadow(ctx, sig)
		case position.StatusConflictingPosition:
			// Expected while a position is already working this key
		default:
			b.logger.Debug().Str("symbol", symbol).Str("status", string(result.Status)).
				Str("reason", result.Reason).Msg("open attempt rejected")
		}
	}

	b.persistBreakerState(ctx)
	b.mirrorOpenPositions(ctx)
}

// priceLoop dispatches stream ticks to everything that reacts to price
func (b *Bot) priceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-b.stream.Ticks():
			if !ok {
				return
			}
			b.supervisor.OnPrice(ctx, tick.Symbol, tick.Price, tick.Time)
			b.recovery.OnPrice(ctx, tick.Symbol, tick.Price)
			b.breaker.ObservePrice(tick.Symbol, tick.Price, tick.Time)
		}
	}
}

// regimeLoop samples the basket and periodically reclassifies
func (b *Bot) regimeLoop(ctx context.Context) {
	b.monitor.Observe(ctx)
	b.monitor.Reclassify(ctx)

	observe := time.NewTicker(b.monitor.SnapshotInterval())
	classify := time.NewTicker(b.monitor.ClassifyInterval())
	defer observe.Stop()
	defer classify.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-observe.C:
			b.monitor.Observe(ctx)
		case <-classify.C:
			rec := b.monitor.Reclassify(ctx)
			b.bus.Publish(events.Event{
				Type: events.EventRegimeUpdated,
				Data: map[string]interface{}{
					"label":           string(rec.Label),
					"strength":        rec.Strength,
					"size_multiplier": rec.PositionSizeMultiplier,
					"score_adjust":    rec.ScoreThresholdAdjustment,
				},
			})
		}
	}
}

// onPositionClosed is the manager's close observer
func (b *Bot) onPositionClosed(pos *position.Position) {
	b.supervisor.Untrack(pos)
	b.breaker.UnregisterHolding(pos.Symbol, pos.Direction)
	if pos.CloseReason == position.CloseStopLoss {
		b.breaker.RecordStopLossClose(pos.Symbol)
	}
	if b.state != nil {
		b.state.MirrorPosition(context.Background(), pos)
	}
}

// trackHolding places a HOLDING position under exit supervision and
// the reversal guard. Idempotent across scan ticks.
func (b *Bot) trackHolding(pos *position.Position) {
	if b.supervisor.Track(pos) {
		b.breaker.RegisterHolding(pos.Symbol, pos.Direction)
	}
}

func (b *Bot) persistBreakerState(ctx context.Context) {
	state := b.breaker.Snapshot()
	if b.breakerDB != nil {
		if err := b.breakerDB.SaveBreakerState(ctx, state); err != nil {
			b.logger.Warn().Err(err).Msg("breaker state persistence failed")
		}
	}
	if b.state != nil {
		b.state.MirrorBreakerState(ctx, state)
	}
}

func (b *Bot) mirrorOpenPositions(ctx context.Context) {
	if b.state == nil {
		return
	}
	for _, pos := range b.manager.OpenPositions() {
		b.state.MirrorPosition(ctx, pos)
	}
}

// ============================================================================
// API surface
// ============================================================================

// Status returns a dashboard summary
func (b *Bot) Status() map[string]interface{} {
	breaker := b.breaker.Snapshot()
	return map[string]interface{}{
		"started_at":      b.startedAt,
		"uptime_seconds":  int(time.Since(b.startedAt).Seconds()),
		"symbols":         b.cfg.Symbols,
		"open_positions":  len(b.manager.OpenPositions()),
		"trading_enabled": breaker.TradingEnabled,
		"long_enabled":    breaker.LongEnabled,
		"short_enabled":   breaker.ShortEnabled,
		"regime":          b.monitor.Latest(),
		"account":         b.account.SnapshotNow(),
		"capital_metrics": b.account.MetricsNow(),
	}
}

// OpenPositions returns all non-closed positions
func (b *Bot) OpenPositions() []*position.Position {
	return b.manager.OpenPositions()
}

// SentinelOrders returns open shadow trades
func (b *Bot) SentinelOrders() []*sentinel.Order {
	return b.recovery.OpenOrders()
}

// BreakerState returns the circuit breaker state
func (b *Bot) BreakerState() circuit.State {
	return b.breaker.Snapshot()
}

// LatestRegime returns the current classification, if one exists
func (b *Bot) LatestRegime() (regime.Record, bool) {
	rec := b.monitor.Latest()
	return rec, !rec.Timestamp.IsZero()
}

// AccountSnapshot returns the margin ledger state
func (b *Bot) AccountSnapshot() ledger.Snapshot {
	return b.account.SnapshotNow()
}

// TripBreaker halts trading on operator request
func (b *Bot) TripBreaker(detail string) {
	b.breaker.TripManually(detail)
	b.persistBreakerState(context.Background())
}

// ResumeDirection re-enables one direction on operator request
func (b *Bot) ResumeDirection(dir scoring.Direction) {
	b.breaker.ResumeDirection(dir)
	b.persistBreakerState(context.Background())
}
