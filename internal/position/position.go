package position

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

// Phase is the lifecycle phase of a position. The machine is linear;
// any phase may jump straight to CLOSED through a force-close.
type Phase string

const (
	PhaseSampling     Phase = "SAMPLING"
	PhaseBuilding     Phase = "BUILDING"
	PhaseHolding      Phase = "HOLDING"
	PhaseExitSampling Phase = "EXIT_SAMPLING"
	PhaseClosed       Phase = "CLOSED"
)

// phaseTransitions is the closed transition table
var phaseTransitions = map[Phase][]Phase{
	PhaseSampling:     {PhaseBuilding, PhaseClosed},
	PhaseBuilding:     {PhaseHolding, PhaseClosed},
	PhaseHolding:      {PhaseExitSampling, PhaseClosed},
	PhaseExitSampling: {PhaseClosed},
	PhaseClosed:       {},
}

// CanTransition reports whether moving to the target phase is legal
func (p Phase) CanTransition(to Phase) bool {
	for _, next := range phaseTransitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase is CLOSED
func (p Phase) IsTerminal() bool {
	return p == PhaseClosed
}

// CloseReason enumerates why a position closed
type CloseReason string

const (
	CloseStopLoss           CloseReason = "STOP_LOSS"
	CloseTakeProfit         CloseReason = "TAKE_PROFIT"
	CloseTrailingStop       CloseReason = "TRAILING_STOP"
	CloseMaxHoldTime        CloseReason = "MAX_HOLD_TIME"
	CloseSignalReversal     CloseReason = "SIGNAL_REVERSAL"
	CloseMarketReversal     CloseReason = "MARKET_REVERSAL"
	CloseEntryAborted       CloseReason = "ENTRY_ABORTED"
	CloseManual             CloseReason = "MANUAL"
	CloseInvariantViolation CloseReason = "INVARIANT_VIOLATION"
)

// Batch is one staged entry fill
type Batch struct {
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// Position owns the full trade lifecycle for one symbol and direction.
// The embedded lock serializes field access once the position is shared
// between the scan loop, the price-driven exit supervisor, and JSON
// readers; writers take Lock, MarshalJSON takes RLock itself. The
// other methods do not lock so callers can group several under one
// critical section.
type Position struct {
	sync.RWMutex `json:"-"`

	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Direction       scoring.Direction `json:"direction"`
	StrategyVersion string            `json:"strategy_version"`
	Tier            risk.Tier         `json:"tier"`
	Phase           Phase             `json:"phase"`

	Batches       []Batch `json:"batches"`
	TotalQuantity float64 `json:"total_quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`

	Stops           risk.StopParams `json:"stops"`
	StopLossPrice   float64         `json:"stop_loss_price"`
	TakeProfitPrice float64         `json:"take_profit_price"`

	TrailingActivated bool `json:"trailing_activated"`
	// PeakPrice is the highest favorable excursion in price terms:
	// highest price seen for longs, lowest for shorts, once trailing
	// is armed. Monotone in the favorable direction.
	PeakPrice float64 `json:"peak_price"`

	SignalPrice    float64   `json:"signal_price"` // price when the signal qualified
	ReservedMargin float64   `json:"reserved_margin"`
	UsedMargin     float64   `json:"used_margin"`
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`

	CloseReason CloseReason `json:"close_reason,omitempty"`
	RealizedPnl float64     `json:"realized_pnl"`
	ExitPrice   float64     `json:"exit_price,omitempty"`

	// Entry scheduling state
	SamplingDeadline time.Time `json:"sampling_deadline,omitempty"`
	EntryDeadline    time.Time `json:"entry_deadline,omitempty"`
	NextBatchAt      time.Time `json:"next_batch_at,omitempty"`
	BatchesPlanned   int       `json:"batches_planned"`
	MaxHoldUntil     time.Time `json:"max_hold_until,omitempty"`

	// Staged exit state, populated when the position enters
	// EXIT_SAMPLING. ExitReason carries the trigger that started the
	// scale-out until the final close records it.
	ExitBatches        []Batch     `json:"exit_batches,omitempty"`
	ExitBatchesPlanned int         `json:"exit_batches_planned,omitempty"`
	NextExitBatchAt    time.Time   `json:"next_exit_batch_at,omitempty"`
	ExitReason         CloseReason `json:"exit_reason,omitempty"`

	SignalSnapshot *scoring.ScoredSignal `json:"signal_snapshot,omitempty"`
}

// MarshalJSON serializes a consistent view of the position
func (p *Position) MarshalJSON() ([]byte, error) {
	p.RLock()
	defer p.RUnlock()
	type plain Position
	return json.Marshal((*plain)(p))
}

// Key identifies the open-position uniqueness constraint
func (p *Position) Key() string {
	return p.Symbol + "|" + string(p.Direction) + "|" + p.StrategyVersion
}

// IsLong reports whether the position profits from rising prices
func (p *Position) IsLong() bool {
	return p.Direction == scoring.Long
}

// ApplyFill records a batch fill and recomputes the derived totals
func (p *Position) ApplyFill(quantity, price float64, at time.Time) {
	p.Batches = append(p.Batches, Batch{Quantity: quantity, Price: price, Time: at})

	totalCost := 0.0
	totalQty := 0.0
	for _, b := range p.Batches {
		totalCost += b.Quantity * b.Price
		totalQty += b.Quantity
	}
	p.TotalQuantity = totalQty
	if totalQty > 0 {
		p.AvgEntryPrice = totalCost / totalQty
	}
	p.UsedMargin = totalCost
}

// ApplyExitFill records a scale-out fill
func (p *Position) ApplyExitFill(quantity, price float64, at time.Time) {
	p.ExitBatches = append(p.ExitBatches, Batch{Quantity: quantity, Price: price, Time: at})
}

// RemainingQuantity is the quantity still held after exit fills
func (p *Position) RemainingQuantity() float64 {
	out := p.TotalQuantity
	for _, b := range p.ExitBatches {
		out -= b.Quantity
	}
	if out < 0 {
		return 0
	}
	return out
}

// AvgExitPrice is the quantity-weighted average over all exit fills,
// or 0 when nothing has been sold back yet
func (p *Position) AvgExitPrice() float64 {
	totalCost := 0.0
	totalQty := 0.0
	for _, b := range p.ExitBatches {
		totalCost += b.Quantity * b.Price
		totalQty += b.Quantity
	}
	if totalQty == 0 {
		return 0
	}
	return totalCost / totalQty
}

// UnrealizedPnl returns the absolute and percentage PnL at a price
func (p *Position) UnrealizedPnl(price float64) (pnl, pnlPct float64) {
	if p.TotalQuantity == 0 || p.AvgEntryPrice == 0 {
		return 0, 0
	}
	if p.IsLong() {
		pnl = (price - p.AvgEntryPrice) * p.TotalQuantity
	} else {
		pnl = (p.AvgEntryPrice - price) * p.TotalQuantity
	}
	pnlPct = pnl / (p.AvgEntryPrice * p.TotalQuantity) * 100
	return pnl, pnlPct
}

// transitionTo moves the position to a new phase, enforcing the table
func (p *Position) transitionTo(next Phase) error {
	if !p.Phase.CanTransition(next) {
		return fmt.Errorf("illegal phase transition %s -> %s for %s", p.Phase, next, p.ID)
	}
	p.Phase = next
	return nil
}

// AdverseMovePct is how far price has moved against the position's
// direction from a reference price, in percent. Positive means
// adverse.
func AdverseMovePct(dir scoring.Direction, referencePrice, currentPrice float64) float64 {
	if referencePrice <= 0 {
		return 0
	}
	move := (currentPrice - referencePrice) / referencePrice * 100
	if dir == scoring.Long {
		return -move
	}
	return move
}
