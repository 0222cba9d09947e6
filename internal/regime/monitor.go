package regime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/analysis"
	"crypto-futures-bot/internal/market"
)

// Store persists regime records. Records are append-only.
type Store interface {
	SaveRegimeRecord(ctx context.Context, rec Record) error
}

// MonitorConfig controls the observation basket and cadences
type MonitorConfig struct {
	BasketSymbols    []string      `json:"basket_symbols"` // reference instruments, e.g. BTCUSDT, ETHUSDT
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	ClassifyInterval time.Duration `json:"classify_interval"`
	WindowSize       int           `json:"window_size"` // snapshots kept for classification
	TrendLookback    int           `json:"trend_lookback"`
}

// DefaultMonitorConfig returns the standard monitor settings
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		BasketSymbols:    []string{"BTCUSDT", "ETHUSDT"},
		SnapshotInterval: 30 * time.Minute,
		ClassifyInterval: 6 * time.Hour,
		WindowSize:       12,
		TrendLookback:    24,
	}
}

// Monitor collects basket snapshots on a cadence and reclassifies the
// regime periodically. The latest record is what the rest of the system
// consumes until superseded.
type Monitor struct {
	mu         sync.RWMutex
	cfg        *MonitorConfig
	classifier *Classifier
	data       market.DataSource
	store      Store
	window     []Snapshot
	latest     Record
	lastBasket float64 // previous basket level for change computation
	logger     zerolog.Logger
}

// NewMonitor creates a regime monitor. store may be nil.
func NewMonitor(cfg *MonitorConfig, classifier *Classifier, data market.DataSource, store Store, logger zerolog.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	m := &Monitor{
		cfg:        cfg,
		classifier: classifier,
		data:       data,
		store:      store,
		logger:     logger.With().Str("component", "RegimeMonitor").Logger(),
	}
	// Until the first classification the conservative neutral record applies
	m.latest = classifier.conservativeNeutral(time.Now())
	return m
}

// Latest returns the current regime record
func (m *Monitor) Latest() Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// SnapshotInterval is the basket sampling cadence
func (m *Monitor) SnapshotInterval() time.Duration {
	return m.cfg.SnapshotInterval
}

// ClassifyInterval is the reclassification cadence
func (m *Monitor) ClassifyInterval() time.Duration {
	return m.cfg.ClassifyInterval
}

// Window returns a copy of the current observation window
func (m *Monitor) Window() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.window))
	copy(out, m.window)
	return out
}

// Observe takes one basket snapshot and appends it to the window.
// A symbol with no data simply drops out of that snapshot's basket.
func (m *Monitor) Observe(ctx context.Context) {
	level := 0.0
	bullVotes, bearVotes := 0, 0
	strength := 0.0
	sampled := 0

	for _, symbol := range m.cfg.BasketSymbols {
		candles, err := m.data.GetCandles(ctx, symbol, market.TF1h, m.cfg.TrendLookback)
		if err != nil || len(candles) == 0 {
			m.logger.Debug().Str("symbol", symbol).Msg("basket symbol unavailable, skipping")
			continue
		}
		sampled++
		level += candles[len(candles)-1].Close / candles[0].Close

		power := analysis.NetPower(candles, m.cfg.TrendLookback, true)
		norm := power / float64(m.cfg.TrendLookback) // -1..1
		strength += absFloat(norm) * 100
		if norm > 0.1 {
			bullVotes++
		} else if norm < -0.1 {
			bearVotes++
		}
	}

	if sampled == 0 {
		return
	}
	level /= float64(sampled)
	strength /= float64(sampled)

	snap := Snapshot{
		Time:     time.Now(),
		Strength: strength,
	}
	switch {
	case bullVotes > sampled/2:
		snap.Label = Bull
	case bearVotes > sampled/2:
		snap.Label = Bear
	default:
		snap.Label = Neutral
	}

	m.mu.Lock()
	if m.lastBasket > 0 {
		snap.BasketChangePct = (level - m.lastBasket) / m.lastBasket * 100
	}
	m.lastBasket = level
	m.window = append(m.window, snap)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	m.mu.Unlock()
}

// Reclassify runs the classifier over the current window, stores the
// record and makes it the latest.
func (m *Monitor) Reclassify(ctx context.Context) Record {
	m.mu.Lock()
	window := make([]Snapshot, len(m.window))
	copy(window, m.window)
	m.mu.Unlock()

	rec := m.classifier.Classify(window)

	m.mu.Lock()
	m.latest = rec
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveRegimeRecord(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist regime record")
		}
	}

	m.logger.Info().
		Str("label", string(rec.Label)).
		Float64("strength", rec.Strength).
		Float64("consistency", rec.TrendConsistency).
		Float64("momentum_pct", rec.MomentumPct).
		Float64("size_multiplier", rec.PositionSizeMultiplier).
		Float64("threshold_adjustment", rec.ScoreThresholdAdjustment).
		Msg("regime reclassified")

	return rec
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
