package risk

import (
	"crypto-futures-bot/internal/analysis"
	"crypto-futures-bot/internal/market"
)

// StopParams are the percentage-based exit parameters fixed at entry
type StopParams struct {
	StopLossPct           float64 `json:"stop_loss_pct"`
	TakeProfitPct         float64 `json:"take_profit_pct"`
	TrailingActivationPct float64 `json:"trailing_activation_pct"`
	TrailingDistancePct   float64 `json:"trailing_distance_pct"`
}

// StopConfig holds the volatility-to-stop mapping
type StopConfig struct {
	StopLossVolMultiple   float64 `json:"stop_loss_vol_multiple"`   // stop distance in units of realized vol
	TakeProfitVolMultiple float64 `json:"take_profit_vol_multiple"` // target distance in units of realized vol
	TrailingActivationVol float64 `json:"trailing_activation_vol"`
	TrailingDistanceVol   float64 `json:"trailing_distance_vol"`
	MinStopLossPct        float64 `json:"min_stop_loss_pct"`
	MaxStopLossPct        float64 `json:"max_stop_loss_pct"`
}

// DefaultStopConfig returns the standard stop settings
func DefaultStopConfig() *StopConfig {
	return &StopConfig{
		StopLossVolMultiple:   2.0,
		TakeProfitVolMultiple: 4.0,
		TrailingActivationVol: 1.5,
		TrailingDistanceVol:   1.0,
		MinStopLossPct:        0.5,
		MaxStopLossPct:        5.0,
	}
}

// StopCalculator derives percentage stops from realized volatility at
// entry time. Sentinel shadow orders use the same calculator, keeping
// their exit math identical to real positions.
type StopCalculator struct {
	cfg *StopConfig
}

// NewStopCalculator creates a stop calculator
func NewStopCalculator(cfg *StopConfig) *StopCalculator {
	if cfg == nil {
		cfg = DefaultStopConfig()
	}
	return &StopCalculator{cfg: cfg}
}

// FromCandles computes stop parameters from recent candles
func (sc *StopCalculator) FromCandles(candles []market.Candle) StopParams {
	vol := analysis.RealizedVolatility(candles)
	if vol <= 0 {
		// No usable history: fall back to the conservative floor
		vol = sc.cfg.MinStopLossPct / sc.cfg.StopLossVolMultiple
	}

	stopLoss := clamp(vol*sc.cfg.StopLossVolMultiple, sc.cfg.MinStopLossPct, sc.cfg.MaxStopLossPct)
	// Keep the reward:risk shape even when the stop was clamped
	ratio := sc.cfg.TakeProfitVolMultiple / sc.cfg.StopLossVolMultiple

	return StopParams{
		StopLossPct:           stopLoss,
		TakeProfitPct:         stopLoss * ratio,
		TrailingActivationPct: stopLoss * sc.cfg.TrailingActivationVol / sc.cfg.StopLossVolMultiple,
		TrailingDistancePct:   stopLoss * sc.cfg.TrailingDistanceVol / sc.cfg.StopLossVolMultiple,
	}
}

// Levels converts percentage stops into absolute price levels for a
// direction. isLong follows the position's direction.
func (p StopParams) Levels(entryPrice float64, isLong bool) (stopLoss, takeProfit float64) {
	if isLong {
		return entryPrice * (1 - p.StopLossPct/100), entryPrice * (1 + p.TakeProfitPct/100)
	}
	return entryPrice * (1 + p.StopLossPct/100), entryPrice * (1 - p.TakeProfitPct/100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
