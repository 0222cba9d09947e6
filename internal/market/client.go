package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	// Binance futures allows 2400 request weight per minute; klines cost
	// up to weight 10, so 20 req/s with a small burst stays well inside.
	requestsPerSecond = 20
	requestBurst      = 40
)

// ClientConfig holds REST client configuration
type ClientConfig struct {
	APIKey    string        `json:"api_key"`
	SecretKey string        `json:"secret_key"`
	BaseURL   string        `json:"base_url"`
	StreamURL string        `json:"stream_url"` // websocket endpoint for PriceStream
	TestNet   bool          `json:"testnet"`
	Timeout   time.Duration `json:"timeout"`
}

// Client is a rate-limited Binance futures REST client. It implements
// DataSource and OrderExecutor.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	cache   *CandleCache
	logger  zerolog.Logger
}

// NewClient creates a new futures REST client
func NewClient(cfg ClientConfig, cache *CandleCache, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		if cfg.TestNet {
			cfg.BaseURL = testnetBaseURL
		} else {
			cfg.BaseURL = defaultBaseURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cache == nil {
		cache = NewCandleCache()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		cache:   cache,
		logger:  logger.With().Str("component", "MarketClient").Logger(),
	}
}

// GetCandles fetches candle history, oldest to newest
func (c *Client) GetCandles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if cached := c.cache.Get(symbol, tf, limit); cached != nil {
		return cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(tf))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("klines %s %s: decode: %w", symbol, tf, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candle, err := parseKline(k)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("skipping malformed kline")
			continue
		}
		candles = append(candles, candle)
	}

	c.cache.Put(symbol, tf, candles)
	return candles, nil
}

// GetLatestPrice fetches the latest price for a symbol
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.cache.GetPrice(symbol); ok {
		return price, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, fmt.Errorf("ticker %s: %w", symbol, err)
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("ticker %s: decode: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker %s: bad price %q", symbol, resp.Price)
	}

	c.cache.PutPrice(symbol, price)
	return price, nil
}

// SubmitMarketOrder places a market order and returns the average fill price
func (c *Client) SubmitMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params.Encode()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/fapi/v1/order?"+params.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	body, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("order %s %s: %w", side, symbol, err)
	}

	var resp struct {
		OrderID  int64  `json:"orderId"`
		Status   string `json:"status"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("order %s %s: decode: %w", side, symbol, err)
	}

	fillPrice, err := strconv.ParseFloat(resp.AvgPrice, 64)
	if err != nil || fillPrice <= 0 {
		// Some fills report avgPrice lazily; fall back to the ticker
		return c.GetLatestPrice(ctx, symbol)
	}

	c.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Float64("fill_price", fillPrice).
		Int64("order_id", resp.OrderID).
		Msg("market order filled")

	return fillPrice, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseKline converts the raw Binance kline array into a Candle
func parseKline(k []interface{}) (Candle, error) {
	openTime, ok := k[0].(float64)
	if !ok {
		return Candle{}, fmt.Errorf("bad open time")
	}

	fields := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := k[i].(string)
		if !ok {
			return Candle{}, fmt.Errorf("bad field %d", i)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bad field %d: %w", i, err)
		}
		fields[i-1] = v
	}

	return Candle{
		OpenTime: time.UnixMilli(int64(openTime)),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}
