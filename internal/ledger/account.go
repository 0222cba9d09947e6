// Package ledger owns the account's capital balance. Every mutation to
// the balance goes through one mutex so that two near-simultaneous
// opens or closes can never double-spend margin.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInsufficientFunds is returned when a reserve exceeds free margin
var ErrInsufficientFunds = errors.New("insufficient funds")

// Snapshot is a point-in-time view of the account
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	TotalBalance    float64   `json:"total_balance"`
	FrozenMargin    float64   `json:"frozen_margin"`
	AvailableMargin float64   `json:"available_margin"`
	Utilization     float64   `json:"utilization"` // frozen/total * 100
	RealizedPnl     float64   `json:"realized_pnl"`
}

// Metrics aggregates capital usage over the account's lifetime
type Metrics struct {
	StartingBalance float64 `json:"starting_balance"`
	PeakBalance     float64 `json:"peak_balance"`
	MaxFrozen       float64 `json:"max_frozen"`
	ReserveCount    int64   `json:"reserve_count"`
	RejectCount     int64   `json:"reject_count"`
}

// Account is the process-wide capital ledger for one trading account
type Account struct {
	mu       sync.Mutex
	balance  float64
	frozen   float64
	realized float64
	metrics  Metrics
	logger   zerolog.Logger
}

// NewAccount creates a ledger with a starting balance
func NewAccount(startingBalance float64, logger zerolog.Logger) *Account {
	return &Account{
		balance: startingBalance,
		metrics: Metrics{
			StartingBalance: startingBalance,
			PeakBalance:     startingBalance,
		},
		logger: logger.With().Str("component", "Ledger").Logger(),
	}
}

// ReserveMargin freezes margin for a new batch. Returns
// ErrInsufficientFunds when free margin does not cover the amount.
func (a *Account) ReserveMargin(amount float64) error {
	if amount <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance-a.frozen < amount {
		a.metrics.RejectCount++
		return ErrInsufficientFunds
	}

	a.frozen += amount
	a.metrics.ReserveCount++
	if a.frozen > a.metrics.MaxFrozen {
		a.metrics.MaxFrozen = a.frozen
	}
	return nil
}

// ReleaseMargin unfreezes margin and applies the realized result of
// the trade that held it.
func (a *Account) ReleaseMargin(amount, realizedPnl float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frozen -= amount
	if a.frozen < 0 {
		// A release that exceeds what was frozen indicates a
		// bookkeeping bug upstream; clamp and flag it.
		a.logger.Error().Float64("frozen", a.frozen).Msg("margin release exceeded frozen amount")
		a.frozen = 0
	}

	a.balance += realizedPnl
	a.realized += realizedPnl
	if a.balance > a.metrics.PeakBalance {
		a.metrics.PeakBalance = a.balance
	}
}

// SnapshotNow returns the current account state
func (a *Account) SnapshotNow() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Timestamp:       time.Now(),
		TotalBalance:    a.balance,
		FrozenMargin:    a.frozen,
		AvailableMargin: a.balance - a.frozen,
		RealizedPnl:     a.realized,
	}
	if a.balance > 0 {
		snap.Utilization = a.frozen / a.balance * 100
	}
	return snap
}

// MetricsNow returns lifetime capital metrics
func (a *Account) MetricsNow() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Available returns free margin
func (a *Account) Available() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance - a.frozen
}
