package sentinel

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

type fixture struct {
	recovery *Recovery
	breaker  *circuit.Breaker
	source   *market.StaticSource
}

func newFixture() *fixture {
	bus := events.NewBus()
	breaker := circuit.NewBreaker(nil, bus, zerolog.Nop())
	breaker.TripManually("test")

	source := market.NewStaticSource()
	source.SetPrice("BTCUSDT", 100)

	recovery := NewRecovery(nil, breaker, source, risk.NewStopCalculator(nil),
		nil, bus, zerolog.Nop())
	return &fixture{recovery: recovery, breaker: breaker, source: source}
}

func qualifying(symbol string, dir scoring.Direction) *scoring.ScoredSignal {
	return &scoring.ScoredSignal{
		Symbol:          symbol,
		Direction:       dir,
		Total:           30,
		Threshold:       25,
		PassesThreshold: true,
	}
}

func TestShadowOrderUsesRealExitMath(t *testing.T) {
	f := newFixture()

	order := f.recovery.OpenShadow(context.Background(), qualifying("BTCUSDT", scoring.Long))
	if order == nil {
		t.Fatal("no shadow order opened while tripped")
	}
	if order.EntryPrice != 100 {
		t.Errorf("entry = %v, want 100", order.EntryPrice)
	}
	if order.StopLoss >= order.EntryPrice {
		t.Errorf("long stop %v not below entry", order.StopLoss)
	}
	if order.TakeProfit <= order.EntryPrice {
		t.Errorf("long target %v not above entry", order.TakeProfit)
	}
	if order.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN", order.Status)
	}
}

func TestNoShadowWhenDirectionEnabled(t *testing.T) {
	f := newFixture()
	f.breaker.ResumeDirection(scoring.Long)

	if order := f.recovery.OpenShadow(context.Background(), qualifying("BTCUSDT", scoring.Long)); order != nil {
		t.Error("shadow opened for an already enabled direction")
	}
	// Short is still blocked, so its shadows keep flowing
	if order := f.recovery.OpenShadow(context.Background(), qualifying("BTCUSDT", scoring.Short)); order == nil {
		t.Error("no shadow for the still-blocked direction")
	}
}

func TestTwoConsecutiveWinsResumeDirectionOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", first.TakeProfit)
	if f.recovery.ConsecutiveWins(scoring.Long) != 1 {
		t.Fatalf("wins = %d, want 1", f.recovery.ConsecutiveWins(scoring.Long))
	}
	if f.breaker.DirectionEnabled(scoring.Long) {
		t.Fatal("direction resumed after a single win")
	}

	second := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", second.TakeProfit)

	if !f.breaker.DirectionEnabled(scoring.Long) {
		t.Fatal("direction not resumed after two consecutive wins")
	}
	if f.breaker.DirectionEnabled(scoring.Short) {
		t.Error("short resumed by long sentinel wins")
	}
}

func TestLossResetsStreakPerDirection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Long win, short untouched
	long1 := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", long1.TakeProfit)

	// Long loss wipes the long streak
	long2 := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", long2.StopLoss)
	if f.recovery.ConsecutiveWins(scoring.Long) != 0 {
		t.Errorf("long wins = %d, want 0 after loss", f.recovery.ConsecutiveWins(scoring.Long))
	}
	if f.breaker.DirectionEnabled(scoring.Long) {
		t.Error("direction resumed despite a loss in the streak")
	}

	// Short streak is tracked independently
	f.source.SetPrice("ETHUSDT", 50)
	short1 := f.recovery.OpenShadow(ctx, qualifying("ETHUSDT", scoring.Short))
	f.recovery.OnPrice(ctx, "ETHUSDT", short1.TakeProfit)
	if f.recovery.ConsecutiveWins(scoring.Short) != 1 {
		t.Errorf("short wins = %d, want 1", f.recovery.ConsecutiveWins(scoring.Short))
	}
}

func TestResumeDiscardsOpenOrdersForDirection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Two winning rounds on BTC plus a still-open long on ETH and an
	// open short that must survive the long resume
	f.source.SetPrice("ETHUSDT", 50)
	f.recovery.OpenShadow(ctx, qualifying("ETHUSDT", scoring.Long))
	f.recovery.OpenShadow(ctx, qualifying("ETHUSDT", scoring.Short))

	w1 := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", w1.TakeProfit)
	w2 := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	f.recovery.OnPrice(ctx, "BTCUSDT", w2.TakeProfit)

	if !f.breaker.DirectionEnabled(scoring.Long) {
		t.Fatal("long not resumed")
	}
	remaining := f.recovery.OpenOrders()
	if len(remaining) != 1 {
		t.Fatalf("open orders = %d, want only the short survivor", len(remaining))
	}
	if remaining[0].Direction != scoring.Short {
		t.Errorf("survivor direction = %s, want SHORT", remaining[0].Direction)
	}
}

func TestStopAndTargetSameTickIsLoss(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	order := f.recovery.OpenShadow(ctx, qualifying("BTCUSDT", scoring.Long))
	order.StopLoss = 99
	order.TakeProfit = 99 // degenerate levels where one price touches both

	f.recovery.OnPrice(ctx, "BTCUSDT", 99)
	if f.recovery.ConsecutiveWins(scoring.Long) != 0 {
		t.Error("ambiguous resolution counted as a win")
	}
}
