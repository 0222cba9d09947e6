package market

import (
	"sync"
	"sync/atomic"
	"time"
)

// cachedCandles holds a candle series with its fetch timestamp
type cachedCandles struct {
	candles   []Candle
	fetchedAt time.Time
}

// CandleCache provides thread-safe caching for candle series keyed by
// symbol and timeframe. A series is considered fresh for a fraction of
// its own timeframe, so fast timeframes expire quickly and slow ones
// are reused across scan ticks.
type CandleCache struct {
	series    sync.Map // "symbol:tf" -> *cachedCandles
	prices    sync.Map // symbol -> *cachedPrice
	hitCount  int64
	missCount int64
}

type cachedPrice struct {
	price     float64
	updatedAt time.Time
}

// priceFreshness is how long a cached latest price is trusted
const priceFreshness = 10 * time.Second

// NewCandleCache creates a new candle cache
func NewCandleCache() *CandleCache {
	return &CandleCache{}
}

// Get returns a cached series if it is still fresh, with at least limit candles
func (c *CandleCache) Get(symbol string, tf Timeframe, limit int) []Candle {
	if val, ok := c.series.Load(string(tf) + ":" + symbol); ok {
		cached := val.(*cachedCandles)
		ttl := tf.Duration() / 4
		if ttl > 5*time.Minute {
			ttl = 5 * time.Minute
		}
		if time.Since(cached.fetchedAt) < ttl && len(cached.candles) >= limit {
			atomic.AddInt64(&c.hitCount, 1)
			return cached.candles[len(cached.candles)-limit:]
		}
	}
	atomic.AddInt64(&c.missCount, 1)
	return nil
}

// Put stores a freshly fetched series
func (c *CandleCache) Put(symbol string, tf Timeframe, candles []Candle) {
	c.series.Store(string(tf)+":"+symbol, &cachedCandles{
		candles:   candles,
		fetchedAt: time.Now(),
	})
}

// GetPrice returns a cached latest price if fresh
func (c *CandleCache) GetPrice(symbol string) (float64, bool) {
	if val, ok := c.prices.Load(symbol); ok {
		cached := val.(*cachedPrice)
		if time.Since(cached.updatedAt) < priceFreshness {
			atomic.AddInt64(&c.hitCount, 1)
			return cached.price, true
		}
	}
	atomic.AddInt64(&c.missCount, 1)
	return 0, false
}

// PutPrice stores a latest price, typically from the live stream
func (c *CandleCache) PutPrice(symbol string, price float64) {
	c.prices.Store(symbol, &cachedPrice{price: price, updatedAt: time.Now()})
}

// Stats returns hit/miss counters
func (c *CandleCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hitCount), atomic.LoadInt64(&c.missCount)
}
