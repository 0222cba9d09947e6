package exits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/scoring"
)

// Closer finalizes positions and persists their protective state. The
// position manager implements this. Urgent triggers go through
// ForceClose; unhurried ones scale out through BeginStagedExit.
type Closer interface {
	ForceClose(ctx context.Context, pos *position.Position, reason position.CloseReason)
	BeginStagedExit(ctx context.Context, pos *position.Position, reason position.CloseReason)
	Persist(ctx context.Context, pos *position.Position)
}

// Config holds exit supervision settings
type Config struct {
	// ReversalScoreRatio is the fraction of the entry score the
	// opposite direction must reach to count as a confirmed reversal.
	ReversalScoreRatio float64 `json:"reversal_score_ratio"`

	// BreakevenOnArm lifts the stop loss to the entry price when the
	// trailing stop arms, so an armed position can no longer lose.
	BreakevenOnArm bool `json:"breakeven_on_arm"`
}

// DefaultConfig returns the standard exit settings
func DefaultConfig() *Config {
	return &Config{
		ReversalScoreRatio: 0.8,
		BreakevenOnArm:     true,
	}
}

type trackedPosition struct {
	pos *position.Position
	// lastPeak is the favorable-excursion peak observed on the previous
	// tick, used to detect impossible regressions.
	lastPeak float64
	// dirty marks protective state that changed this tick and must be
	// written through before a restart could roll it back.
	dirty bool
}

// Supervisor evaluates exit conditions for holding positions on every
// price update. Trigger priority when several fire on the same tick:
// stop loss, take profit, trailing stop, max hold time.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *Config
	closer  Closer
	bus     *events.Bus
	logger  zerolog.Logger
	tracked map[string]map[string]*trackedPosition // symbol -> position id
}

// NewSupervisor creates an exit supervisor
func NewSupervisor(cfg *Config, closer Closer, bus *events.Bus, logger zerolog.Logger) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		cfg:     cfg,
		closer:  closer,
		bus:     bus,
		tracked: make(map[string]map[string]*trackedPosition),
		logger:  logger.With().Str("component", "ExitSupervisor").Logger(),
	}
}

// Track places a sealed position under supervision. Returns false if
// the position was already tracked.
func (s *Supervisor) Track(pos *position.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked[pos.Symbol] == nil {
		s.tracked[pos.Symbol] = make(map[string]*trackedPosition)
	}
	if _, exists := s.tracked[pos.Symbol][pos.ID]; exists {
		return false
	}
	s.tracked[pos.Symbol][pos.ID] = &trackedPosition{pos: pos, lastPeak: pos.PeakPrice}
	s.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("stop_loss", pos.StopLossPrice).
		Float64("take_profit", pos.TakeProfitPrice).
		Msg("position under exit supervision")
	return true
}

// Untrack stops supervising a position. Called from the manager's
// close observer so supervision always ends the instant a position
// closes, whoever closed it.
func (s *Supervisor) Untrack(pos *position.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID := s.tracked[pos.Symbol]; byID != nil {
		delete(byID, pos.ID)
		if len(byID) == 0 {
			delete(s.tracked, pos.Symbol)
		}
	}
}

// TrackedCount returns the number of supervised positions
func (s *Supervisor) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byID := range s.tracked {
		n += len(byID)
	}
	return n
}

// OnPrice evaluates every supervised position on the symbol against
// the new price and closes those whose exit condition fired.
func (s *Supervisor) OnPrice(ctx context.Context, symbol string, price float64, now time.Time) {
	if price <= 0 {
		return
	}

	type verdict struct {
		pos    *position.Position
		reason position.CloseReason
		peak   float64
	}
	var fired []verdict
	var dirty []*position.Position

	s.mu.Lock()
	for _, tp := range s.tracked[symbol] {
		tp.pos.Lock()
		if tp.pos.Phase.IsTerminal() {
			tp.pos.Unlock()
			continue
		}
		reason, violation := s.evaluate(tp, price, now)
		if tp.dirty {
			tp.dirty = false
			dirty = append(dirty, tp.pos)
		}
		peak := tp.pos.PeakPrice
		tp.pos.Unlock()
		if violation {
			fired = append(fired, verdict{tp.pos, position.CloseInvariantViolation, peak})
			continue
		}
		if reason != "" {
			fired = append(fired, verdict{tp.pos, reason, peak})
		}
	}
	s.mu.Unlock()

	for _, pos := range dirty {
		s.closer.Persist(ctx, pos)
	}
	for _, v := range fired {
		switch v.reason {
		case position.CloseInvariantViolation:
			s.reportViolation(v.pos, v.peak, price)
			s.closer.ForceClose(ctx, v.pos, v.reason)
		case position.CloseTakeProfit, position.CloseMaxHoldTime:
			// No urgency in a winner or an expired hold; scale out
			// instead of dumping the full size at market.
			s.closer.BeginStagedExit(ctx, v.pos, v.reason)
		default:
			s.closer.ForceClose(ctx, v.pos, v.reason)
		}
	}
}

// evaluate runs the trigger chain for one position. Returns the
// winning close reason, or "" when the position stays open. Called
// with the supervisor lock and the position lock held.
func (s *Supervisor) evaluate(tp *trackedPosition, price float64, now time.Time) (position.CloseReason, bool) {
	pos := tp.pos
	scalingOut := pos.Phase == position.PhaseExitSampling

	// The peak only ever moves in the favorable direction. A regression
	// means state was corrupted somewhere and this position can no
	// longer be trusted.
	if pos.TrailingActivated {
		if (pos.IsLong() && pos.PeakPrice < tp.lastPeak) ||
			(!pos.IsLong() && pos.PeakPrice > tp.lastPeak) {
			return position.CloseInvariantViolation, true
		}
	}

	if pos.IsLong() {
		if price <= pos.StopLossPrice {
			return position.CloseStopLoss, false
		}
		if !scalingOut && price >= pos.TakeProfitPrice {
			return position.CloseTakeProfit, false
		}
	} else {
		if price >= pos.StopLossPrice {
			return position.CloseStopLoss, false
		}
		if !scalingOut && price <= pos.TakeProfitPrice {
			return position.CloseTakeProfit, false
		}
	}

	if reason := s.updateTrailing(tp, price); reason != "" {
		return reason, false
	}

	// A position already scaling out keeps its stop and trailing
	// protection but must not re-trigger the unhurried exits.
	if !scalingOut && !pos.MaxHoldUntil.IsZero() && now.After(pos.MaxHoldUntil) {
		return position.CloseMaxHoldTime, false
	}

	return "", false
}

// updateTrailing arms and advances the trailing stop. Once armed it
// never disarms, and the peak never retreats.
func (s *Supervisor) updateTrailing(tp *trackedPosition, price float64) position.CloseReason {
	pos := tp.pos
	_, pnlPct := pos.UnrealizedPnl(price)

	if !pos.TrailingActivated {
		if pnlPct >= pos.Stops.TrailingActivationPct {
			pos.TrailingActivated = true
			pos.PeakPrice = price
			tp.lastPeak = price
			tp.dirty = true
			if s.cfg.BreakevenOnArm {
				if pos.IsLong() && pos.StopLossPrice < pos.AvgEntryPrice {
					pos.StopLossPrice = pos.AvgEntryPrice
				} else if !pos.IsLong() && pos.StopLossPrice > pos.AvgEntryPrice {
					pos.StopLossPrice = pos.AvgEntryPrice
				}
			}
			s.logger.Info().
				Str("position_id", pos.ID).
				Str("symbol", pos.Symbol).
				Float64("peak", price).
				Float64("pnl_pct", pnlPct).
				Msg("trailing stop armed")
		}
		return ""
	}

	if pos.IsLong() {
		if price > pos.PeakPrice {
			pos.PeakPrice = price
		}
		tp.lastPeak = pos.PeakPrice
		retrace := pos.PeakPrice * (1 - pos.Stops.TrailingDistancePct/100)
		if price <= retrace {
			return position.CloseTrailingStop
		}
	} else {
		if price < pos.PeakPrice {
			pos.PeakPrice = price
		}
		tp.lastPeak = pos.PeakPrice
		retrace := pos.PeakPrice * (1 + pos.Stops.TrailingDistancePct/100)
		if price >= retrace {
			return position.CloseTrailingStop
		}
	}
	return ""
}

// IsReversal reports whether an opposite-direction signal is strong
// enough to count as a confirmed reversal of the position's thesis. A
// confirmed reversal closes the position immediately, without
// re-checking entry thresholds.
func (s *Supervisor) IsReversal(pos *position.Position, opposite *scoring.ScoredSignal) bool {
	if opposite == nil || pos == nil {
		return false
	}
	if opposite.Direction != pos.Direction.Opposite() {
		return false
	}
	reference := opposite.Threshold
	if pos.SignalSnapshot != nil && pos.SignalSnapshot.Total > 0 {
		reference = pos.SignalSnapshot.Total
	}
	return opposite.Total >= s.cfg.ReversalScoreRatio*reference
}

func (s *Supervisor) reportViolation(pos *position.Position, peak, price float64) {
	s.logger.Error().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Float64("peak", peak).
		Float64("price", price).
		Msg("trailing peak regressed, force closing")
	s.bus.Publish(events.Event{
		Type:   events.EventInvariantViolation,
		Symbol: pos.Symbol,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"detail":      "trailing peak regressed",
			"peak":        peak,
			"price":       price,
		},
	})
}
