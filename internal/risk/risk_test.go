package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/market"
)

func TestTierWalksDownOnLossStreak(t *testing.T) {
	ts := NewTierService(nil, zerolog.Nop())

	if tier := ts.GetRiskTier("BTCUSDT"); tier.Level != TierFull {
		t.Fatalf("fresh symbol tier = %s, want FULL", tier.Level)
	}

	steps := []struct {
		pnl  float64
		want TierLevel
	}{
		{-10, TierFull},      // 1 loss
		{-10, TierReduced},   // 2 losses
		{-10, TierMinimal},   // 3 losses
		{-10, TierForbidden}, // 4 losses -> blocked
	}
	for i, step := range steps {
		ts.RecordClose("BTCUSDT", step.pnl)
		if tier := ts.GetRiskTier("BTCUSDT"); tier.Level != step.want {
			t.Errorf("after %d losses tier = %s, want %s", i+1, tier.Level, step.want)
		}
	}

	// FORBIDDEN must carry a zero capital multiplier
	if tier := ts.GetRiskTier("BTCUSDT"); tier.CapitalMultiplier != 0 {
		t.Errorf("forbidden multiplier = %v, want 0", tier.CapitalMultiplier)
	}

	ts.Unblock("BTCUSDT")
	if tier := ts.GetRiskTier("BTCUSDT"); tier.Level != TierFull {
		t.Errorf("after unblock tier = %s, want FULL", tier.Level)
	}
}

func TestTierWinsRestore(t *testing.T) {
	ts := NewTierService(nil, zerolog.Nop())

	ts.RecordClose("ETHUSDT", -5)
	ts.RecordClose("ETHUSDT", -5)
	if tier := ts.GetRiskTier("ETHUSDT"); tier.Level != TierReduced {
		t.Fatalf("tier = %s, want REDUCED", tier.Level)
	}

	// Two wins climb one level back
	ts.RecordClose("ETHUSDT", 5)
	ts.RecordClose("ETHUSDT", 5)
	if tier := ts.GetRiskTier("ETHUSDT"); tier.Level != TierFull {
		t.Errorf("tier after recovery = %s, want FULL", tier.Level)
	}
}

func TestConfiguredForbiddenSymbol(t *testing.T) {
	cfg := DefaultTierConfig()
	cfg.ForbiddenSymbolList = []string{"LUNAUSDT"}
	ts := NewTierService(cfg, zerolog.Nop())

	if tier := ts.GetRiskTier("LUNAUSDT"); tier.Level != TierForbidden {
		t.Errorf("tier = %s, want FORBIDDEN for configured symbol", tier.Level)
	}
}

func TestStopsScaleWithVolatility(t *testing.T) {
	sc := NewStopCalculator(nil)

	calm := volatileCandles(100, 40, 0.1)
	wild := volatileCandles(100, 40, 2.0)

	calmStops := sc.FromCandles(calm)
	wildStops := sc.FromCandles(wild)

	if wildStops.StopLossPct <= calmStops.StopLossPct {
		t.Errorf("wild stop %.2f%% not wider than calm stop %.2f%%",
			wildStops.StopLossPct, calmStops.StopLossPct)
	}
	if calmStops.StopLossPct < sc.cfg.MinStopLossPct {
		t.Errorf("stop %.2f%% below floor", calmStops.StopLossPct)
	}
	if wildStops.StopLossPct > sc.cfg.MaxStopLossPct {
		t.Errorf("stop %.2f%% above cap", wildStops.StopLossPct)
	}
	if wildStops.TakeProfitPct <= wildStops.StopLossPct {
		t.Errorf("take profit %.2f%% not beyond stop %.2f%%",
			wildStops.TakeProfitPct, wildStops.StopLossPct)
	}
}

func TestStopLevelsByDirection(t *testing.T) {
	p := StopParams{StopLossPct: 2, TakeProfitPct: 4}

	sl, tp := p.Levels(100, true)
	if sl != 98 || tp != 104 {
		t.Errorf("long levels = (%v, %v), want (98, 104)", sl, tp)
	}

	sl, tp = p.Levels(100, false)
	if sl != 102 || tp != 96 {
		t.Errorf("short levels = (%v, %v), want (102, 96)", sl, tp)
	}
}

// volatileCandles alternates moves of swingPct around base
func volatileCandles(base float64, count int, swingPct float64) []market.Candle {
	candles := make([]market.Candle, count)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := base
	for i := range candles {
		open := price
		move := base * swingPct / 100
		if i%2 == 0 {
			price = open + move
		} else {
			price = open - move
		}
		candles[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     open,
			High:     maxF(open, price),
			Low:      minF(open, price),
			Close:    price,
			Volume:   100,
		}
	}
	return candles
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
