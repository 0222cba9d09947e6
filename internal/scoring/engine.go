package scoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/regime"
)

// ScoredSignal is the result of one scoring pass for a symbol and
// direction. Recomputed every scan tick; deterministic for fixed
// candle inputs and regime record.
type ScoredSignal struct {
	Symbol          string                    `json:"symbol"`
	Direction       Direction                 `json:"direction"`
	Components      map[ComponentKind]float64 `json:"components"`
	Total           float64                   `json:"total"`
	MaxScore        float64                   `json:"max_score"`
	Threshold       float64                   `json:"threshold"`
	PassesThreshold bool                      `json:"passes_threshold"`
	Reasons         []string                  `json:"reasons,omitempty"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// Config holds scoring engine configuration
type Config struct {
	MinScore       float64          `json:"min_score"`
	MacroTimeframe market.Timeframe `json:"macro_timeframe"`
	MidTimeframe   market.Timeframe `json:"mid_timeframe"`
	ShortTimeframe market.Timeframe `json:"short_timeframe"`
	MacroLookback  int              `json:"macro_lookback"`
	MidLookback    int              `json:"mid_lookback"`
	ShortLookback  int              `json:"short_lookback"`
}

// DefaultConfig returns the standard scoring settings
func DefaultConfig() *Config {
	return &Config{
		MinScore:       25,
		MacroTimeframe: market.TF4h,
		MidTimeframe:   market.TF1h,
		ShortTimeframe: market.TF15m,
		MacroLookback:  18, // 3 days of 4h candles
		MidLookback:    48,
		ShortLookback:  24,
	}
}

// Engine computes multi-timeframe weighted signal scores
type Engine struct {
	cfg    *Config
	data   market.DataSource
	logger zerolog.Logger
}

// NewEngine creates a scoring engine
func NewEngine(cfg *Config, data market.DataSource, logger zerolog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:    cfg,
		data:   data,
		logger: logger.With().Str("component", "ScoringEngine").Logger(),
	}
}

// Score evaluates one symbol in one direction under the given regime.
// It is a total function over partial data: a timeframe that cannot be
// fetched degrades its components to 0 rather than erroring.
func (e *Engine) Score(ctx context.Context, symbol string, dir Direction, rec regime.Record) *ScoredSignal {
	macro := e.fetch(ctx, symbol, e.cfg.MacroTimeframe, e.cfg.MacroLookback)
	mid := e.fetch(ctx, symbol, e.cfg.MidTimeframe, e.cfg.MidLookback)
	short := e.fetch(ctx, symbol, e.cfg.ShortTimeframe, e.cfg.ShortLookback)
	return e.scoreCandles(symbol, dir, rec, macro, mid, short)
}

// ScoreBoth evaluates both directions and picks a winner. Ties are
// broken by preferring the direction whose macro-trend component is
// non-zero; a fully ambiguous symbol returns nil and is skipped for
// this tick.
func (e *Engine) ScoreBoth(ctx context.Context, symbol string, rec regime.Record) *ScoredSignal {
	macro := e.fetch(ctx, symbol, e.cfg.MacroTimeframe, e.cfg.MacroLookback)
	mid := e.fetch(ctx, symbol, e.cfg.MidTimeframe, e.cfg.MidLookback)
	short := e.fetch(ctx, symbol, e.cfg.ShortTimeframe, e.cfg.ShortLookback)

	long := e.scoreCandles(symbol, Long, rec, macro, mid, short)
	shortSig := e.scoreCandles(symbol, Short, rec, macro, mid, short)

	switch {
	case long.Total > shortSig.Total:
		return long
	case shortSig.Total > long.Total:
		return shortSig
	case long.Components[ComponentMacroTrend] > 0 && shortSig.Components[ComponentMacroTrend] == 0:
		return long
	case shortSig.Components[ComponentMacroTrend] > 0 && long.Components[ComponentMacroTrend] == 0:
		return shortSig
	default:
		return nil
	}
}

// scoreCandles runs all components over already-fetched candles
func (e *Engine) scoreCandles(symbol string, dir Direction, rec regime.Record, macro, mid, short []market.Candle) *ScoredSignal {
	in := componentInput{
		direction: dir,
		macro:     macro,
		mid:       mid,
		short:     short,
		regime:    rec,
	}

	signal := &ScoredSignal{
		Symbol:      symbol,
		Direction:   dir,
		Components:  make(map[ComponentKind]float64, len(AllComponents)),
		MaxScore:    MaxTotalScore(),
		GeneratedAt: time.Now(),
	}

	for _, kind := range AllComponents {
		score, reason := componentFuncs[kind](in)
		if score < 0 {
			score = 0
		}
		if max := ComponentMax[kind]; score > max {
			score = max
		}
		signal.Components[kind] = score
		signal.Total += score
		if reason != "" && score > 0 {
			signal.Reasons = append(signal.Reasons, reason)
		}
	}

	signal.Threshold = e.cfg.MinScore + rec.ScoreThresholdAdjustment
	signal.PassesThreshold = signal.Total >= signal.Threshold

	e.logger.Debug().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Float64("total", signal.Total).
		Float64("threshold", signal.Threshold).
		Bool("passes", signal.PassesThreshold).
		Msg("signal scored")

	return signal
}

// fetch returns candles or nil; failures degrade the affected
// components instead of surfacing.
func (e *Engine) fetch(ctx context.Context, symbol string, tf market.Timeframe, limit int) []market.Candle {
	candles, err := e.data.GetCandles(ctx, symbol, tf, limit)
	if err != nil {
		e.logger.Debug().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).
			Msg("candle fetch failed, component degrades to zero")
		return nil
	}
	return candles
}
