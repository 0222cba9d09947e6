package market

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoPrice is returned when no price is known for a symbol
var ErrNoPrice = errors.New("no price available")

// PaperExecutor fills market orders at the latest known price without
// touching the exchange. Used in dry-run mode and tests.
type PaperExecutor struct {
	data   DataSource
	logger zerolog.Logger
}

// NewPaperExecutor creates a paper trading executor
func NewPaperExecutor(data DataSource, logger zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		data:   data,
		logger: logger.With().Str("component", "PaperExecutor").Logger(),
	}
}

// SubmitMarketOrder fills at the current market price
func (pe *PaperExecutor) SubmitMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (float64, error) {
	price, err := pe.data.GetLatestPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	pe.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Float64("fill_price", price).
		Msg("paper order filled")
	return price, nil
}

// StaticSource is an in-memory DataSource for tests. Candles are stored
// per symbol and timeframe; prices per symbol.
type StaticSource struct {
	mu      sync.RWMutex
	candles map[string][]Candle
	prices  map[string]float64
}

// NewStaticSource creates an empty static data source
func NewStaticSource() *StaticSource {
	return &StaticSource{
		candles: make(map[string][]Candle),
		prices:  make(map[string]float64),
	}
}

// SetCandles replaces the candle series for a symbol and timeframe
func (s *StaticSource) SetCandles(symbol string, tf Timeframe, candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[string(tf)+":"+symbol] = candles
}

// SetPrice sets the latest price for a symbol
func (s *StaticSource) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// GetCandles returns up to limit of the stored series, oldest to newest
func (s *StaticSource) GetCandles(_ context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.candles[string(tf)+":"+symbol]
	if !ok {
		return nil, nil
	}
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out, nil
}

// GetLatestPrice returns the stored price for a symbol
func (s *StaticSource) GetLatestPrice(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	if !ok {
		return 0, ErrNoPrice
	}
	return price, nil
}
