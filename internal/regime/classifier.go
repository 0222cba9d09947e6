package regime

import (
	"time"
)

// Label represents the macro market classification
type Label string

const (
	Bull    Label = "BULL"
	Bear    Label = "BEAR"
	Neutral Label = "NEUTRAL"
)

// Bias is the directional lean a regime implies for new entries
type Bias string

const (
	BiasLong  Bias = "LONG"
	BiasShort Bias = "SHORT"
	BiasNone  Bias = "NONE"
)

// Snapshot is one shorter-interval market observation fed into the
// classifier: the basket-wide trend label at that instant, its strength
// and the reference-basket price change since the previous snapshot.
type Snapshot struct {
	Time            time.Time `json:"time"`
	Label           Label     `json:"label"`
	Strength        float64   `json:"strength"`          // 0-100
	BasketChangePct float64   `json:"basket_change_pct"` // since previous snapshot
}

// Record is a periodic, append-only regime classification consumed by
// the scoring engine and position sizing.
type Record struct {
	Timestamp                time.Time `json:"timestamp"`
	Label                    Label     `json:"label"`
	Strength                 float64   `json:"strength"` // 0-100
	DirectionalBias          Bias      `json:"directional_bias"`
	PositionSizeMultiplier   float64   `json:"position_size_multiplier"`
	ScoreThresholdAdjustment float64   `json:"score_threshold_adjustment"`
	TrendConsistency         float64   `json:"trend_consistency"` // 0-1
	MomentumPct              float64   `json:"momentum_pct"`
}

// Config holds classifier thresholds and output factors
type Config struct {
	MinConsistency       float64 `json:"min_consistency"`        // label agreement to call a trend
	MomentumThresholdPct float64 `json:"momentum_threshold_pct"` // basket move to call a trend
	TrendSizeMultiplier  float64 `json:"trend_size_multiplier"`  // >1, lean into momentum
	NeutralSizeMult      float64 `json:"neutral_size_multiplier"`
	TrendScoreAdjust     float64 `json:"trend_score_adjustment"`   // negative, looser
	NeutralScoreAdjust   float64 `json:"neutral_score_adjustment"` // positive, stricter
	MinObservations      int     `json:"min_observations"`
}

// DefaultConfig returns the standard classifier settings
func DefaultConfig() *Config {
	return &Config{
		MinConsistency:       0.6,
		MomentumThresholdPct: 1.5,
		TrendSizeMultiplier:  1.25,
		NeutralSizeMult:      0.7,
		TrendScoreAdjust:     -3,
		NeutralScoreAdjust:   3,
		MinObservations:      3,
	}
}

// Classifier turns a rolling window of snapshots into a regime record
type Classifier struct {
	cfg *Config
}

// NewClassifier creates a classifier
func NewClassifier(cfg *Config) *Classifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Classifier{cfg: cfg}
}

// Classify computes a regime record from the observation window.
// Fewer than MinObservations yields the conservative neutral record.
func (c *Classifier) Classify(window []Snapshot) Record {
	now := time.Now()
	if len(window) > 0 {
		now = window[len(window)-1].Time
	}
	if len(window) < c.cfg.MinObservations {
		return c.conservativeNeutral(now)
	}

	bullish, bearish := 0, 0
	momentum := 0.0
	avgStrength := 0.0
	for _, s := range window {
		switch s.Label {
		case Bull:
			bullish++
		case Bear:
			bearish++
		}
		momentum += s.BasketChangePct
		avgStrength += s.Strength
	}
	avgStrength /= float64(len(window))

	bullConsistency := float64(bullish) / float64(len(window))
	bearConsistency := float64(bearish) / float64(len(window))

	rec := Record{
		Timestamp:   now,
		MomentumPct: momentum,
	}

	switch {
	case bullConsistency >= c.cfg.MinConsistency && momentum > c.cfg.MomentumThresholdPct:
		rec.Label = Bull
		rec.DirectionalBias = BiasLong
		rec.TrendConsistency = bullConsistency
		rec.Strength = clampStrength(avgStrength)
		rec.PositionSizeMultiplier = c.cfg.TrendSizeMultiplier
		rec.ScoreThresholdAdjustment = c.cfg.TrendScoreAdjust
	case bearConsistency >= c.cfg.MinConsistency && momentum < -c.cfg.MomentumThresholdPct:
		rec.Label = Bear
		rec.DirectionalBias = BiasShort
		rec.TrendConsistency = bearConsistency
		rec.Strength = clampStrength(avgStrength)
		rec.PositionSizeMultiplier = c.cfg.TrendSizeMultiplier
		rec.ScoreThresholdAdjustment = c.cfg.TrendScoreAdjust
	default:
		rec.Label = Neutral
		rec.DirectionalBias = BiasNone
		if bullConsistency > bearConsistency {
			rec.TrendConsistency = bullConsistency
		} else {
			rec.TrendConsistency = bearConsistency
		}
		rec.Strength = clampStrength(avgStrength / 2)
		rec.PositionSizeMultiplier = c.cfg.NeutralSizeMult
		rec.ScoreThresholdAdjustment = c.cfg.NeutralScoreAdjust
	}

	return rec
}

// conservativeNeutral is the fixed record returned when the window is
// too thin to classify.
func (c *Classifier) conservativeNeutral(ts time.Time) Record {
	return Record{
		Timestamp:                ts,
		Label:                    Neutral,
		Strength:                 0,
		DirectionalBias:          BiasNone,
		PositionSizeMultiplier:   c.cfg.NeutralSizeMult,
		ScoreThresholdAdjustment: c.cfg.NeutralScoreAdjust,
	}
}

func clampStrength(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
