package analysis

import (
	"crypto-futures-bot/internal/market"
)

// CalculateSMA calculates the Simple Moving Average of closes
func CalculateSMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}

// CalculateEMA calculates the Exponential Moving Average of closes
func CalculateEMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	// Seed with SMA of the first period
	sma := 0.0
	for _, c := range candles[:period] {
		sma += c.Close
	}
	ema := sma / float64(period)

	multiplier := 2.0 / float64(period+1)
	for _, c := range candles[period:] {
		ema = (c.Close-ema)*multiplier + ema
	}
	return ema
}

// CalculateRSI calculates the Relative Strength Index using Wilder's
// smoothing.
func CalculateRSI(candles []market.Candle, period int) float64 {
	if len(candles) <= period || period <= 0 {
		return 50 // Neutral when not enough data
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMACrossState reports the relationship of a fast and slow EMA
type EMACrossState string

const (
	CrossBullish EMACrossState = "bullish" // fast above slow
	CrossBearish EMACrossState = "bearish" // fast below slow
	CrossFlat    EMACrossState = "flat"
)

// DetectEMACross compares fast and slow EMAs of the series
func DetectEMACross(candles []market.Candle, fastPeriod, slowPeriod int) EMACrossState {
	if len(candles) < slowPeriod {
		return CrossFlat
	}
	fast := CalculateEMA(candles, fastPeriod)
	slow := CalculateEMA(candles, slowPeriod)
	if fast == 0 || slow == 0 {
		return CrossFlat
	}
	// Require a minimal separation so a dead-flat market reads as flat
	diff := (fast - slow) / slow * 100
	switch {
	case diff > 0.05:
		return CrossBullish
	case diff < -0.05:
		return CrossBearish
	default:
		return CrossFlat
	}
}
