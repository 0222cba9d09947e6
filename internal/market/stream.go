package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultStreamURL = "wss://fstream.binance.com/stream"
	reconnectDelay   = 5 * time.Second
	readDeadline     = 90 * time.Second
)

// PriceStream subscribes to mark-price updates over websocket and fans
// them out on a channel. The exit supervisor runs off this stream, so
// it reconnects forever until the context is done.
type PriceStream struct {
	url     string
	symbols []string
	ticks   chan PriceTick
	cache   *CandleCache
	logger  zerolog.Logger
}

// NewPriceStream creates a price stream for the given symbols
func NewPriceStream(streamURL string, symbols []string, cache *CandleCache, logger zerolog.Logger) *PriceStream {
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	return &PriceStream{
		url:     streamURL,
		symbols: symbols,
		ticks:   make(chan PriceTick, 256),
		cache:   cache,
		logger:  logger.With().Str("component", "PriceStream").Logger(),
	}
}

// Ticks returns the tick channel. Closed when Run returns.
func (ps *PriceStream) Ticks() <-chan PriceTick {
	return ps.ticks
}

// Run connects and pumps ticks until ctx is cancelled
func (ps *PriceStream) Run(ctx context.Context) {
	defer close(ps.ticks)

	for {
		if err := ps.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			ps.logger.Warn().Err(err).Msg("stream disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// markPriceEvent is the combined-stream payload for markPrice updates
type markPriceEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

func (ps *PriceStream) connectAndPump(ctx context.Context) error {
	streams := make([]string, 0, len(ps.symbols))
	for _, s := range ps.symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ps.url+"?streams="+strings.Join(streams, "/"), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ps.logger.Info().Int("symbols", len(ps.symbols)).Msg("price stream connected")

	// Close the connection when ctx is cancelled so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event markPriceEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			continue
		}
		price, err := strconv.ParseFloat(event.Data.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		tick := PriceTick{
			Symbol: event.Data.Symbol,
			Price:  price,
			Time:   time.UnixMilli(event.Data.EventTime),
		}
		if ps.cache != nil {
			ps.cache.PutPrice(tick.Symbol, tick.Price)
		}

		select {
		case ps.ticks <- tick:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop the tick rather than block the read loop; the next
			// update supersedes it within a second.
		}
	}
}
