package market

import (
	"context"
	"time"
)

// Timeframe represents a candle interval
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Duration returns the wall-clock span of one candle
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Candle represents a single OHLCV candle
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// IsBullish returns true when the candle closed above its open
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish returns true when the candle closed below its open
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}

// Body returns the absolute size of the candle body
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// PriceTick is a single price update from the live stream
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// OrderSide represents the side of a market order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// DataSource provides candle history and latest prices.
// Candles are returned oldest to newest.
type DataSource interface {
	GetCandles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderExecutor submits market orders and reports the fill price.
// Retries and partial fills are the execution layer's concern.
type OrderExecutor interface {
	SubmitMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (fillPrice float64, err error)
}
