package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/scoring"
)

// Config holds circuit breaker settings
type Config struct {
	MaxOpensPerMinute  int           `json:"max_opens_per_minute"` // runaway entry loop guard
	MaxStopLossCloses  int           `json:"max_stop_loss_closes"` // cascade guard
	StopLossWindow     time.Duration `json:"stop_loss_window"`     // window for the cascade guard
	AdverseReversalPct float64       `json:"adverse_reversal_pct"` // % move against a held direction
	AdverseWindow      time.Duration `json:"adverse_window"`       // window for the reversal guard
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		MaxOpensPerMinute:  6,
		MaxStopLossCloses:  3,
		StopLossWindow:     10 * time.Minute,
		AdverseReversalPct: 2.0,
		AdverseWindow:      3 * time.Minute,
	}
}

// TripCause names why the breaker tripped
type TripCause string

const (
	TripOpenRate        TripCause = "OPEN_RATE"
	TripStopLossCascade TripCause = "STOP_LOSS_CASCADE"
	TripAdverseReversal TripCause = "ADVERSE_REVERSAL"
	TripManual          TripCause = "MANUAL"
)

// State is the persistable breaker state
type State struct {
	TradingEnabled bool      `json:"trading_enabled"`
	LongEnabled    bool      `json:"long_enabled"`
	ShortEnabled   bool      `json:"short_enabled"`
	TripCause      TripCause `json:"trip_cause,omitempty"`
	TripDetail     string    `json:"trip_detail,omitempty"`
	TrippedAt      time.Time `json:"tripped_at,omitempty"`
}

type pricePoint struct {
	at    time.Time
	price float64
}

// Breaker halts new real entries when the account shows signs of a
// runaway loop, a loss cascade, or a market flipping against held
// positions. Held positions are never closed by the breaker itself.
//
// Breaker implements position.EntryGate: admission and the open-rate
// counter increment happen under one lock, so a burst of concurrent
// opens can never slip past the rate limit together.
type Breaker struct {
	mu     sync.Mutex
	cfg    *Config
	bus    *events.Bus
	logger zerolog.Logger

	tradingEnabled bool
	longEnabled    bool
	shortEnabled   bool
	tripCause      TripCause
	tripDetail     string
	trippedAt      time.Time

	openTimes     []time.Time
	stopLossTimes []time.Time

	// held directions and recent prices per symbol, for the adverse
	// reversal guard
	held   map[string]map[scoring.Direction]int
	prices map[string][]pricePoint
}

// NewBreaker creates a circuit breaker in the enabled state
func NewBreaker(cfg *Config, bus *events.Bus, logger zerolog.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{
		cfg:            cfg,
		bus:            bus,
		tradingEnabled: true,
		longEnabled:    true,
		shortEnabled:   true,
		held:           make(map[string]map[scoring.Direction]int),
		prices:         make(map[string][]pricePoint),
		logger:         logger.With().Str("component", "CircuitBreaker").Logger(),
	}
}

// AdmitOpen decides whether a new real entry may proceed and, when it
// may, counts it against the open-rate window in the same critical
// section.
func (b *Breaker) AdmitOpen(symbol string, direction scoring.Direction) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.directionAllowed(direction) {
		return false, fmt.Sprintf("trading disabled for %s: %s", direction, b.tripDetail)
	}

	now := time.Now()
	b.openTimes = pruneBefore(b.openTimes, now.Add(-time.Minute))
	if len(b.openTimes) >= b.cfg.MaxOpensPerMinute {
		b.trip(TripOpenRate, fmt.Sprintf("%d opens within one minute", len(b.openTimes)))
		return false, "open rate limit reached"
	}
	b.openTimes = append(b.openTimes, now)
	return true, ""
}

// CancelAdmission returns the rate slot taken by the latest AdmitOpen.
// The position manager calls it when an admitted open fails before
// anything is actually opened.
func (b *Breaker) CancelAdmission() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.openTimes); n > 0 {
		b.openTimes = b.openTimes[:n-1]
	}
}

// RecordStopLossClose feeds the cascade detector. Called for every
// real position closed by its stop loss.
func (b *Breaker) RecordStopLossClose(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.stopLossTimes = pruneBefore(b.stopLossTimes, now.Add(-b.cfg.StopLossWindow))
	b.stopLossTimes = append(b.stopLossTimes, now)
	if len(b.stopLossTimes) > b.cfg.MaxStopLossCloses {
		b.trip(TripStopLossCascade,
			fmt.Sprintf("%d stop loss closes within %s", len(b.stopLossTimes), b.cfg.StopLossWindow))
	}
}

// RegisterHolding tells the reversal guard a direction is held on a
// symbol. Reference counted.
func (b *Breaker) RegisterHolding(symbol string, direction scoring.Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.held[symbol] == nil {
		b.held[symbol] = make(map[scoring.Direction]int)
	}
	b.held[symbol][direction]++
}

// UnregisterHolding removes a held direction from the reversal guard
func (b *Breaker) UnregisterHolding(symbol string, direction scoring.Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirs := b.held[symbol]
	if dirs == nil {
		return
	}
	if dirs[direction] <= 1 {
		delete(dirs, direction)
	} else {
		dirs[direction]--
	}
	if len(dirs) == 0 {
		delete(b.held, symbol)
		delete(b.prices, symbol)
	}
}

// ObservePrice feeds the adverse reversal guard. A move against any
// held direction larger than the configured percentage inside the
// window trips the breaker.
func (b *Breaker) ObservePrice(symbol string, price float64, now time.Time) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dirs := b.held[symbol]
	if len(dirs) == 0 {
		return
	}

	window := b.prices[symbol]
	cutoff := now.Add(-b.cfg.AdverseWindow)
	for len(window) > 0 && window[0].at.Before(cutoff) {
		window = window[1:]
	}
	window = append(window, pricePoint{at: now, price: price})
	b.prices[symbol] = window

	if len(window) < 2 {
		return
	}
	oldest := window[0].price
	if oldest <= 0 {
		return
	}
	changePct := (price - oldest) / oldest * 100

	for dir := range dirs {
		adverse := changePct < -b.cfg.AdverseReversalPct
		if dir == scoring.Short {
			adverse = changePct > b.cfg.AdverseReversalPct
		}
		if adverse {
			b.trip(TripAdverseReversal,
				fmt.Sprintf("%s moved %.2f%% against held %s within %s", symbol, changePct, dir, b.cfg.AdverseWindow))
			return
		}
	}
}

// TripManually halts trading on operator request
func (b *Breaker) TripManually(detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(TripManual, detail)
}

// ResumeDirection re-enables real entries for one direction. Trading
// is fully restored once both directions are re-enabled.
func (b *Breaker) ResumeDirection(direction scoring.Direction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch direction {
	case scoring.Long:
		b.longEnabled = true
	case scoring.Short:
		b.shortEnabled = true
	}
	if b.longEnabled && b.shortEnabled && !b.tradingEnabled {
		b.tradingEnabled = true
		b.tripCause = ""
		b.tripDetail = ""
		b.openTimes = nil
		b.stopLossTimes = nil
	}

	b.logger.Info().Str("direction", string(direction)).
		Bool("fully_resumed", b.tradingEnabled).Msg("direction re-enabled")
	b.bus.Publish(events.Event{
		Type: events.EventCircuitBreakerResumed,
		Data: map[string]interface{}{
			"direction":     string(direction),
			"fully_resumed": b.tradingEnabled,
		},
	})
}

// Tripped reports whether the breaker currently blocks at least one
// direction
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.tradingEnabled || !b.longEnabled || !b.shortEnabled
}

// DirectionEnabled reports whether real entries in a direction are
// currently allowed
func (b *Breaker) DirectionEnabled(direction scoring.Direction) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.directionAllowed(direction)
}

// Snapshot returns the persistable state
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		TradingEnabled: b.tradingEnabled,
		LongEnabled:    b.longEnabled,
		ShortEnabled:   b.shortEnabled,
		TripCause:      b.tripCause,
		TripDetail:     b.tripDetail,
		TrippedAt:      b.trippedAt,
	}
}

// Restore reloads persisted state at startup
func (b *Breaker) Restore(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tradingEnabled = state.TradingEnabled
	b.longEnabled = state.LongEnabled
	b.shortEnabled = state.ShortEnabled
	b.tripCause = state.TripCause
	b.tripDetail = state.TripDetail
	b.trippedAt = state.TrippedAt
}

// trip halts all new entries. Caller must hold the lock. A direction
// the sentinel has already re-enabled is pulled back in too: a fresh
// cascade during partial resume must not leave it open.
func (b *Breaker) trip(cause TripCause, detail string) {
	if !b.tradingEnabled && !b.longEnabled && !b.shortEnabled {
		return
	}
	b.tradingEnabled = false
	b.longEnabled = false
	b.shortEnabled = false
	b.tripCause = cause
	b.tripDetail = detail
	b.trippedAt = time.Now()

	b.logger.Error().Str("cause", string(cause)).Str("detail", detail).
		Msg("circuit breaker tripped, new entries halted")
	b.bus.PublishCircuitBreakerTripped(string(cause) + ": " + detail)
}

func (b *Breaker) directionAllowed(direction scoring.Direction) bool {
	if b.tradingEnabled {
		return true
	}
	if direction == scoring.Long {
		return b.longEnabled
	}
	return b.shortEnabled
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
