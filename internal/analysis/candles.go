package analysis

import (
	"math"

	"crypto-futures-bot/internal/market"
)

// NetPower is the count of bullish candles minus bearish candles over
// the last lookback candles, optionally weighted by body size relative
// to the average body.
func NetPower(candles []market.Candle, lookback int, weighted bool) float64 {
	if len(candles) == 0 {
		return 0
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}
	window := candles[len(candles)-lookback:]

	avgBody := 0.0
	if weighted {
		for _, c := range window {
			avgBody += c.Body()
		}
		avgBody /= float64(len(window))
	}

	power := 0.0
	for _, c := range window {
		weight := 1.0
		if weighted && avgBody > 0 {
			weight = c.Body() / avgBody
			if weight > 2.0 {
				weight = 2.0
			}
		}
		if c.IsBullish() {
			power += weight
		} else if c.IsBearish() {
			power -= weight
		}
	}
	return power
}

// CandleCounts returns the number of bullish and bearish candles in the
// last lookback candles.
func CandleCounts(candles []market.Candle, lookback int) (bullish, bearish int) {
	if lookback > len(candles) {
		lookback = len(candles)
	}
	for _, c := range candles[len(candles)-lookback:] {
		if c.IsBullish() {
			bullish++
		} else if c.IsBearish() {
			bearish++
		}
	}
	return bullish, bearish
}

// VolumeRatio compares the latest candle's volume to the trailing
// average over avgPeriod candles (latest excluded). Returns 1.0 when
// there is not enough history.
func VolumeRatio(candles []market.Candle, avgPeriod int) float64 {
	if len(candles) < 2 {
		return 1.0
	}
	latest := candles[len(candles)-1]
	trailing := candles[:len(candles)-1]
	if avgPeriod > len(trailing) {
		avgPeriod = len(trailing)
	}
	if avgPeriod == 0 {
		return 1.0
	}

	sum := 0.0
	for _, c := range trailing[len(trailing)-avgPeriod:] {
		sum += c.Volume
	}
	avg := sum / float64(avgPeriod)
	if avg <= 0 {
		return 1.0
	}
	return latest.Volume / avg
}

// RangePosition returns where the latest close sits inside the
// high/low range of the last lookback candles, from 0 (at the low) to
// 1 (at the high). Returns 0.5 when the range is degenerate.
func RangePosition(candles []market.Candle, lookback int) float64 {
	if len(candles) == 0 {
		return 0.5
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}
	window := candles[len(candles)-lookback:]

	high := window[0].High
	low := window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	if high <= low {
		return 0.5
	}
	return (window[len(window)-1].Close - low) / (high - low)
}

// PriceChangePct is the percentage change between the first open and
// the last close of the window.
func PriceChangePct(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	first := candles[0].Open
	last := candles[len(candles)-1].Close
	if first <= 0 {
		return 0
	}
	return (last - first) / first * 100
}

// RealizedVolatility is the standard deviation of close-to-close
// returns over the series, in percent. Used to size stops at entry.
func RealizedVolatility(candles []market.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev*100)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}
