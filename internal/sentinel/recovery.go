package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

// OrderStatus is a sentinel order's resolution state
type OrderStatus string

const (
	StatusOpen OrderStatus = "OPEN"
	StatusWin  OrderStatus = "WIN"
	StatusLoss OrderStatus = "LOSS"
)

// Order is a zero-capital shadow trade opened while the circuit
// breaker is tripped. It carries the same entry and exit math as a
// real position but never touches the ledger or the exchange.
type Order struct {
	ID         string            `json:"id"`
	Symbol     string            `json:"symbol"`
	Direction  scoring.Direction `json:"direction"`
	EntryPrice float64           `json:"entry_price"`
	StopLoss   float64           `json:"stop_loss"`
	TakeProfit float64           `json:"take_profit"`
	Status     OrderStatus       `json:"status"`
	Score      float64           `json:"score"`
	OpenedAt   time.Time         `json:"opened_at"`
	ResolvedAt time.Time         `json:"resolved_at,omitempty"`
}

// Store persists sentinel orders. May be nil.
type Store interface {
	SaveSentinelOrder(ctx context.Context, order *Order) error
	UpdateSentinelOrder(ctx context.Context, order *Order) error
}

// Config holds sentinel recovery settings
type Config struct {
	WinsToResume int              `json:"wins_to_resume"` // consecutive wins per direction
	StopLookback int              `json:"stop_lookback"`  // candles used to size shadow stops
	Timeframe    market.Timeframe `json:"timeframe"`
}

// DefaultConfig returns the standard recovery settings
func DefaultConfig() *Config {
	return &Config{
		WinsToResume: 2,
		StopLookback: 48,
		Timeframe:    market.TF1h,
	}
}

// Recovery runs shadow trades while the breaker is tripped and
// re-enables a direction after enough consecutive shadow wins. It
// answers "is the strategy still valid" without risking capital.
type Recovery struct {
	mu      sync.Mutex
	cfg     *Config
	breaker *circuit.Breaker
	data    market.DataSource
	stops   *risk.StopCalculator
	store   Store
	bus     *events.Bus
	logger  zerolog.Logger

	orders map[string]*Order // id -> open order
	wins   map[scoring.Direction]int
}

// NewRecovery creates a sentinel recovery service. store may be nil.
func NewRecovery(cfg *Config, breaker *circuit.Breaker, data market.DataSource,
	stops *risk.StopCalculator, store Store, bus *events.Bus, logger zerolog.Logger) *Recovery {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Recovery{
		cfg:     cfg,
		breaker: breaker,
		data:    data,
		stops:   stops,
		store:   store,
		bus:     bus,
		orders:  make(map[string]*Order),
		wins:    make(map[scoring.Direction]int),
		logger:  logger.With().Str("component", "SentinelRecovery").Logger(),
	}
}

// OpenShadow turns a qualifying signal into a sentinel order. Uses the
// same stop calculator as real positions so shadow results measure the
// real strategy. Returns nil when the direction is already re-enabled
// or no price is available.
func (r *Recovery) OpenShadow(ctx context.Context, signal *scoring.ScoredSignal) *Order {
	if signal == nil || !signal.PassesThreshold {
		return nil
	}
	if r.breaker.DirectionEnabled(signal.Direction) {
		return nil
	}

	price, err := r.data.GetLatestPrice(ctx, signal.Symbol)
	if err != nil || price <= 0 {
		return nil
	}
	candles, _ := r.data.GetCandles(ctx, signal.Symbol, r.cfg.Timeframe, r.cfg.StopLookback)
	params := r.stops.FromCandles(candles)
	stopLoss, takeProfit := params.Levels(price, signal.Direction == scoring.Long)

	order := &Order{
		ID:         uuid.NewString(),
		Symbol:     signal.Symbol,
		Direction:  signal.Direction,
		EntryPrice: price,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Status:     StatusOpen,
		Score:      signal.Total,
		OpenedAt:   time.Now(),
	}

	r.mu.Lock()
	r.orders[order.ID] = order
	r.mu.Unlock()

	r.persist(ctx, order, true)
	r.bus.Publish(events.Event{
		Type:   events.EventSentinelOpened,
		Symbol: order.Symbol,
		Data: map[string]interface{}{
			"order_id":  order.ID,
			"direction": string(order.Direction),
			"entry":     order.EntryPrice,
			"score":     order.Score,
		},
	})
	r.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("direction", string(order.Direction)).
		Float64("entry", price).
		Msg("sentinel order opened")
	return order
}

// OnPrice resolves open sentinel orders against a new price. A win
// streak long enough re-enables the direction and discards its
// remaining open orders.
func (r *Recovery) OnPrice(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}

	type resolution struct {
		order *Order
		won   bool
	}
	var resolved []resolution
	var resumed []scoring.Direction

	r.mu.Lock()
	for _, order := range r.orders {
		if order.Symbol != symbol || order.Status != StatusOpen {
			continue
		}
		hitStop, hitTarget := order.touches(price)
		if !hitStop && !hitTarget {
			continue
		}

		// Stop and target in the same tick resolves as a loss, the
		// same conservatism real exits apply.
		won := hitTarget && !hitStop
		if won {
			order.Status = StatusWin
			r.wins[order.Direction]++
		} else {
			order.Status = StatusLoss
			r.wins[order.Direction] = 0
		}
		order.ResolvedAt = time.Now()
		delete(r.orders, order.ID)
		resolved = append(resolved, resolution{order, won})

		if r.wins[order.Direction] >= r.cfg.WinsToResume {
			r.wins[order.Direction] = 0
			resumed = append(resumed, order.Direction)
			r.discardDirectionLocked(order.Direction)
		}
	}
	r.mu.Unlock()

	for _, res := range resolved {
		r.persist(ctx, res.order, false)
		r.bus.PublishSentinelResolved(res.order.Symbol, string(res.order.Direction),
			string(res.order.Status), r.ConsecutiveWins(res.order.Direction))
		r.logger.Info().
			Str("order_id", res.order.ID).
			Str("symbol", res.order.Symbol).
			Str("status", string(res.order.Status)).
			Msg("sentinel order resolved")
	}
	for _, dir := range resumed {
		r.logger.Info().Str("direction", string(dir)).Msg("sentinel win streak complete, resuming direction")
		r.breaker.ResumeDirection(dir)
	}
}

// touches reports which exit levels the price has reached
func (o *Order) touches(price float64) (hitStop, hitTarget bool) {
	if o.Direction == scoring.Long {
		return price <= o.StopLoss, price >= o.TakeProfit
	}
	return price >= o.StopLoss, price <= o.TakeProfit
}

// discardDirectionLocked drops open orders for a resumed direction.
// They are never converted into real positions.
func (r *Recovery) discardDirectionLocked(dir scoring.Direction) {
	for id, order := range r.orders {
		if order.Direction == dir {
			delete(r.orders, id)
		}
	}
}

// ConsecutiveWins returns the current win streak for a direction
func (r *Recovery) ConsecutiveWins(dir scoring.Direction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wins[dir]
}

// OpenOrders returns the currently open sentinel orders
func (r *Recovery) OpenOrders() []*Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Order, 0, len(r.orders))
	for _, order := range r.orders {
		out = append(out, order)
	}
	return out
}

func (r *Recovery) persist(ctx context.Context, order *Order, create bool) {
	if r.store == nil {
		return
	}
	var err error
	if create {
		err = r.store.SaveSentinelOrder(ctx, order)
	} else {
		err = r.store.UpdateSentinelOrder(ctx, order)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("order_id", order.ID).Msg("sentinel persistence failed")
	}
}
