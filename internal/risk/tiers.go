package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TierLevel classifies how much capital a symbol may use
type TierLevel string

const (
	TierFull      TierLevel = "FULL"
	TierReduced   TierLevel = "REDUCED"
	TierMinimal   TierLevel = "MINIMAL"
	TierForbidden TierLevel = "FORBIDDEN"
)

// Tier is the risk classification for a symbol
type Tier struct {
	Level             TierLevel `json:"level"`
	CapitalMultiplier float64   `json:"capital_multiplier"`
}

// TierConfig holds tier derivation settings
type TierConfig struct {
	ReducedMultiplier   float64       `json:"reduced_multiplier"`
	MinimalMultiplier   float64       `json:"minimal_multiplier"`
	LossesToReduce      int           `json:"losses_to_reduce"`  // consecutive losses -> REDUCED
	LossesToMinimal     int           `json:"losses_to_minimal"` // consecutive losses -> MINIMAL
	LossesToBlock       int           `json:"losses_to_block"`   // consecutive losses -> FORBIDDEN
	BlockCooldown       time.Duration `json:"block_cooldown"`
	WinsToRestore       int           `json:"wins_to_restore"` // wins to climb one level back
	ForbiddenSymbolList []string      `json:"forbidden_symbols"`
}

// DefaultTierConfig returns the standard tier settings
func DefaultTierConfig() *TierConfig {
	return &TierConfig{
		ReducedMultiplier: 0.5,
		MinimalMultiplier: 0.25,
		LossesToReduce:    2,
		LossesToMinimal:   3,
		LossesToBlock:     4,
		BlockCooldown:     4 * time.Hour,
		WinsToRestore:     2,
	}
}

// symbolPerformance tracks trailing results for one symbol
type symbolPerformance struct {
	consecutiveLosses int
	consecutiveWins   int
	totalPnl          float64
	blockedUntil      time.Time
	lastResult        time.Time
}

// TierService derives per-symbol risk tiers from trailing performance.
// A losing streak walks a symbol down FULL -> REDUCED -> MINIMAL ->
// FORBIDDEN; wins walk it back up.
type TierService struct {
	mu        sync.RWMutex
	cfg       *TierConfig
	perf      map[string]*symbolPerformance
	forbidden map[string]bool
	logger    zerolog.Logger
}

// NewTierService creates a tier service
func NewTierService(cfg *TierConfig, logger zerolog.Logger) *TierService {
	if cfg == nil {
		cfg = DefaultTierConfig()
	}
	forbidden := make(map[string]bool, len(cfg.ForbiddenSymbolList))
	for _, s := range cfg.ForbiddenSymbolList {
		forbidden[s] = true
	}
	return &TierService{
		cfg:       cfg,
		perf:      make(map[string]*symbolPerformance),
		forbidden: forbidden,
		logger:    logger.With().Str("component", "TierService").Logger(),
	}
}

// GetRiskTier returns the current tier for a symbol
func (ts *TierService) GetRiskTier(symbol string) Tier {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.forbidden[symbol] {
		return Tier{Level: TierForbidden, CapitalMultiplier: 0}
	}

	perf, ok := ts.perf[symbol]
	if !ok {
		return Tier{Level: TierFull, CapitalMultiplier: 1.0}
	}

	if time.Now().Before(perf.blockedUntil) {
		return Tier{Level: TierForbidden, CapitalMultiplier: 0}
	}

	switch {
	case perf.consecutiveLosses >= ts.cfg.LossesToMinimal:
		return Tier{Level: TierMinimal, CapitalMultiplier: ts.cfg.MinimalMultiplier}
	case perf.consecutiveLosses >= ts.cfg.LossesToReduce:
		return Tier{Level: TierReduced, CapitalMultiplier: ts.cfg.ReducedMultiplier}
	default:
		return Tier{Level: TierFull, CapitalMultiplier: 1.0}
	}
}

// RecordClose feeds a closed trade's result into the tier derivation
func (ts *TierService) RecordClose(symbol string, realizedPnl float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	perf, ok := ts.perf[symbol]
	if !ok {
		perf = &symbolPerformance{}
		ts.perf[symbol] = perf
	}
	perf.totalPnl += realizedPnl
	perf.lastResult = time.Now()

	if realizedPnl < 0 {
		perf.consecutiveLosses++
		perf.consecutiveWins = 0
		if perf.consecutiveLosses >= ts.cfg.LossesToBlock {
			perf.blockedUntil = time.Now().Add(ts.cfg.BlockCooldown)
			ts.logger.Warn().
				Str("symbol", symbol).
				Int("consecutive_losses", perf.consecutiveLosses).
				Time("blocked_until", perf.blockedUntil).
				Msg("symbol blocked after loss streak")
		}
		return
	}

	perf.consecutiveWins++
	if perf.consecutiveWins >= ts.cfg.WinsToRestore && perf.consecutiveLosses > 0 {
		perf.consecutiveLosses--
		perf.consecutiveWins = 0
	}
}

// Unblock clears a symbol's block and loss streak
func (ts *TierService) Unblock(symbol string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if perf, ok := ts.perf[symbol]; ok {
		perf.blockedUntil = time.Time{}
		perf.consecutiveLosses = 0
		perf.consecutiveWins = 0
	}
}

// BlockedSymbols returns symbols currently in a block cooldown
func (ts *TierService) BlockedSymbols() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	now := time.Now()
	var out []string
	for symbol, perf := range ts.perf {
		if now.Before(perf.blockedUntil) {
			out = append(out, symbol)
		}
	}
	return out
}
