package scoring

import (
	"fmt"

	"crypto-futures-bot/internal/analysis"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/regime"
)

// Direction is the side of a signal or position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// ComponentKind enumerates the fixed set of scoring components. New
// components are added here, not as ad hoc keys.
type ComponentKind string

const (
	ComponentMacroTrend         ComponentKind = "macro_trend"
	ComponentMidTrend           ComponentKind = "mid_trend"
	ComponentShortConfirmation  ComponentKind = "short_confirmation"
	ComponentVolumePriceAction  ComponentKind = "volume_price_action"
	ComponentIndicatorComposite ComponentKind = "indicator_composite"
)

// ComponentMax holds the fixed per-component score caps
var ComponentMax = map[ComponentKind]float64{
	ComponentMacroTrend:         5,
	ComponentMidTrend:           8,
	ComponentShortConfirmation:  12,
	ComponentVolumePriceAction:  7,
	ComponentIndicatorComposite: 10,
}

// AllComponents lists the component kinds in scoring order
var AllComponents = []ComponentKind{
	ComponentMacroTrend,
	ComponentMidTrend,
	ComponentShortConfirmation,
	ComponentVolumePriceAction,
	ComponentIndicatorComposite,
}

// MaxTotalScore is the sum of all component maxima for this scoring
// version.
func MaxTotalScore() float64 {
	total := 0.0
	for _, max := range ComponentMax {
		total += max
	}
	return total
}

// componentInput bundles everything a component may inspect. Candle
// slices may be nil or short; components degrade to 0 instead of
// failing.
type componentInput struct {
	direction Direction
	macro     []market.Candle // slow timeframe, covers days
	mid       []market.Candle // mid timeframe, covers hours
	short     []market.Candle // fast timeframe, covers minutes
	regime    regime.Record
}

// directionSign is +1 for LONG, -1 for SHORT
func directionSign(d Direction) float64 {
	if d == Long {
		return 1
	}
	return -1
}

// scoreMacroTrend scores the slow-timeframe trend. The regime's
// directional bias adds a bonus when it agrees; an opposing macro trend
// contributes nothing.
func scoreMacroTrend(in componentInput) (float64, string) {
	max := ComponentMax[ComponentMacroTrend]
	if len(in.macro) < 6 {
		return 0, ""
	}

	power := analysis.NetPower(in.macro, len(in.macro), true)
	aligned := power * directionSign(in.direction)
	if aligned <= 0 {
		return 0, ""
	}

	score := aligned / float64(len(in.macro)) * max
	reason := "macro trend aligned"

	regimeAgrees := (in.direction == Long && in.regime.DirectionalBias == regime.BiasLong) ||
		(in.direction == Short && in.regime.DirectionalBias == regime.BiasShort)
	if regimeAgrees {
		score += in.regime.Strength / 100
		reason = fmt.Sprintf("macro trend aligned, %s regime agrees", in.regime.Label)
	}

	if score > max {
		score = max
	}
	return score, reason
}

// scoreMidTrend scores the mid-timeframe trend from candle power and
// EMA alignment.
func scoreMidTrend(in componentInput) (float64, string) {
	max := ComponentMax[ComponentMidTrend]
	if len(in.mid) < 12 {
		return 0, ""
	}

	power := analysis.NetPower(in.mid, 24, true)
	aligned := power * directionSign(in.direction)
	if aligned <= 0 {
		return 0, ""
	}

	lookback := 24
	if len(in.mid) < lookback {
		lookback = len(in.mid)
	}
	score := aligned / float64(lookback) * (max - 2)

	cross := analysis.DetectEMACross(in.mid, 9, 21)
	if (in.direction == Long && cross == analysis.CrossBullish) ||
		(in.direction == Short && cross == analysis.CrossBearish) {
		score += 2
	}

	if score > max {
		score = max
	}
	return score, "mid timeframe trend aligned"
}

// scoreShortConfirmation scores fast-timeframe confirmation: recent
// candle agreement plus short-horizon momentum. A fast trend actively
// contradicting the direction contributes 0.
func scoreShortConfirmation(in componentInput) (float64, string) {
	max := ComponentMax[ComponentShortConfirmation]
	if len(in.short) < 6 {
		return 0, ""
	}

	bullish, bearish := analysis.CandleCounts(in.short, 12)
	var agree, oppose int
	if in.direction == Long {
		agree, oppose = bullish, bearish
	} else {
		agree, oppose = bearish, bullish
	}
	if agree <= oppose {
		return 0, ""
	}

	total := agree + oppose
	score := float64(agree-oppose) / float64(total) * (max - 4)

	// Momentum kicker: last candle agrees and short window moved our way
	last := in.short[len(in.short)-1]
	lastAgrees := (in.direction == Long && last.IsBullish()) ||
		(in.direction == Short && last.IsBearish())
	if lastAgrees {
		score += 2
	}
	change := analysis.PriceChangePct(in.short) * directionSign(in.direction)
	if change > 0.2 {
		score += 2
	}

	if score > max {
		score = max
	}
	return score, "short timeframe confirms"
}

// scoreVolumePriceAction scores volume expansion together with where
// price sits in its recent range: longs want strength near the range
// high, shorts near the low.
func scoreVolumePriceAction(in componentInput) (float64, string) {
	max := ComponentMax[ComponentVolumePriceAction]
	if len(in.mid) < 8 {
		return 0, ""
	}

	ratio := analysis.VolumeRatio(in.mid, 20)
	rangePos := analysis.RangePosition(in.mid, 48)

	var positionScore float64
	if in.direction == Long {
		// Above mid-range, approaching breakout territory
		positionScore = (rangePos - 0.5) * 2
	} else {
		positionScore = (0.5 - rangePos) * 2
	}
	if positionScore <= 0 {
		return 0, ""
	}

	score := positionScore * (max - 3)
	reason := "price action favorable"
	if ratio >= 1.5 {
		score += 3
		reason = fmt.Sprintf("price action favorable, volume %.1fx average", ratio)
	} else if ratio >= 1.2 {
		score += 1.5
	}

	if score > max {
		score = max
	}
	return score, reason
}

// scoreIndicatorComposite scores the technical indicator stack: RSI
// positioning and EMA cross on the mid timeframe.
func scoreIndicatorComposite(in componentInput) (float64, string) {
	max := ComponentMax[ComponentIndicatorComposite]
	if len(in.mid) < 21 {
		return 0, ""
	}

	score := 0.0
	rsi := analysis.CalculateRSI(in.mid, 14)
	if in.direction == Long {
		switch {
		case rsi >= 50 && rsi <= 70:
			score += 5 // Momentum without being overbought
		case rsi > 40 && rsi < 50:
			score += 2
		case rsi > 75:
			// Overbought works against a fresh long
			score -= 1
		}
	} else {
		switch {
		case rsi >= 30 && rsi <= 50:
			score += 5
		case rsi > 50 && rsi < 60:
			score += 2
		case rsi < 25:
			score -= 1
		}
	}

	cross := analysis.DetectEMACross(in.mid, 9, 21)
	if (in.direction == Long && cross == analysis.CrossBullish) ||
		(in.direction == Short && cross == analysis.CrossBearish) {
		score += 5
	}

	if score < 0 {
		score = 0
	}
	if score > max {
		score = max
	}
	return score, "indicators aligned"
}

// componentFuncs maps each kind to its scorer
var componentFuncs = map[ComponentKind]func(componentInput) (float64, string){
	ComponentMacroTrend:         scoreMacroTrend,
	ComponentMidTrend:           scoreMidTrend,
	ComponentShortConfirmation:  scoreShortConfirmation,
	ComponentVolumePriceAction:  scoreVolumePriceAction,
	ComponentIndicatorComposite: scoreIndicatorComposite,
}
