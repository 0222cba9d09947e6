package exits

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

type fakeCloser struct {
	closed    []position.CloseReason
	staged    []position.CloseReason
	persisted int
}

func (f *fakeCloser) ForceClose(_ context.Context, pos *position.Position, reason position.CloseReason) {
	pos.Lock()
	pos.Phase = position.PhaseClosed
	pos.CloseReason = reason
	pos.Unlock()
	f.closed = append(f.closed, reason)
}

func (f *fakeCloser) BeginStagedExit(_ context.Context, pos *position.Position, reason position.CloseReason) {
	pos.Lock()
	pos.Phase = position.PhaseExitSampling
	pos.ExitReason = reason
	pos.Unlock()
	f.staged = append(f.staged, reason)
}

func (f *fakeCloser) Persist(context.Context, *position.Position) {
	f.persisted++
}

func holdingLong(symbol string) *position.Position {
	return &position.Position{
		ID:            "pos-1",
		Symbol:        symbol,
		Direction:     scoring.Long,
		Phase:         position.PhaseHolding,
		AvgEntryPrice: 100,
		TotalQuantity: 3,
		PeakPrice:     100,
		Stops: risk.StopParams{
			StopLossPct:           2,
			TakeProfitPct:         4,
			TrailingActivationPct: 1.5,
			TrailingDistancePct:   1,
		},
		StopLossPrice:   98,
		TakeProfitPrice: 104,
		MaxHoldUntil:    time.Now().Add(8 * time.Hour),
	}
}

func newSupervisor(closer Closer) *Supervisor {
	return NewSupervisor(nil, closer, events.NewBus(), zerolog.Nop())
}

func TestStopLossTrigger(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)

	s.OnPrice(context.Background(), "BTCUSDT", 99, time.Now())
	if len(closer.closed) != 0 {
		t.Fatal("closed above stop loss")
	}

	s.OnPrice(context.Background(), "BTCUSDT", 97.9, time.Now())
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("closed = %v, want [STOP_LOSS]", closer.closed)
	}
}

func TestStopLossOutranksTakeProfit(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)

	// A corrupted level set where both conditions hold at once: the
	// capital-preserving exit must win.
	pos := holdingLong("BTCUSDT")
	pos.StopLossPrice = 100
	pos.TakeProfitPrice = 90
	s.Track(pos)

	s.OnPrice(context.Background(), "BTCUSDT", 95, time.Now())
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("closed = %v, want [STOP_LOSS]", closer.closed)
	}
}

func TestTakeProfitScalesOut(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)

	// A winner is in no hurry: take profit starts a staged exit
	// instead of a market dump
	s.OnPrice(context.Background(), "BTCUSDT", 104.5, time.Now())
	if len(closer.staged) != 1 || closer.staged[0] != position.CloseTakeProfit {
		t.Fatalf("staged = %v, want [TAKE_PROFIT]", closer.staged)
	}
	if len(closer.closed) != 0 {
		t.Fatalf("take profit force closed: %v", closer.closed)
	}
}

func TestShortStopLossOnRise(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("ETHUSDT")
	pos.Direction = scoring.Short
	pos.StopLossPrice = 102
	pos.TakeProfitPrice = 96
	s.Track(pos)

	s.OnPrice(context.Background(), "ETHUSDT", 102.5, time.Now())
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("closed = %v, want [STOP_LOSS]", closer.closed)
	}
}

func TestTrailingStopArmAndRetrace(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	ctx := context.Background()
	now := time.Now()

	// Below activation profit: nothing armed
	s.OnPrice(ctx, "BTCUSDT", 101, now)
	if pos.TrailingActivated {
		t.Fatal("armed below activation threshold")
	}

	// 2% up crosses the 1.5% activation
	s.OnPrice(ctx, "BTCUSDT", 102, now)
	if !pos.TrailingActivated {
		t.Fatal("not armed at activation threshold")
	}
	if pos.PeakPrice != 102 {
		t.Fatalf("peak = %v, want 102", pos.PeakPrice)
	}

	// Peak advances with price, never retreats
	s.OnPrice(ctx, "BTCUSDT", 103, now)
	if pos.PeakPrice != 103 {
		t.Fatalf("peak = %v, want 103", pos.PeakPrice)
	}
	s.OnPrice(ctx, "BTCUSDT", 102.5, now) // within 1% of peak
	if pos.PeakPrice != 103 {
		t.Fatalf("peak retreated to %v", pos.PeakPrice)
	}
	if !pos.TrailingActivated {
		t.Fatal("trailing disarmed after pullback")
	}
	if len(closer.closed) != 0 {
		t.Fatalf("closed inside trailing distance: %v", closer.closed)
	}

	// Retrace beyond 1% of the 103 peak
	s.OnPrice(ctx, "BTCUSDT", 101.9, now)
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseTrailingStop {
		t.Fatalf("closed = %v, want [TRAILING_STOP]", closer.closed)
	}
}

func TestPeakRegressionIsInvariantViolation(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	ctx := context.Background()
	now := time.Now()

	s.OnPrice(ctx, "BTCUSDT", 103, now) // arms, peak 103

	// Someone rewound the peak behind the supervisor's back
	pos.PeakPrice = 101

	s.OnPrice(ctx, "BTCUSDT", 102.8, now)
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseInvariantViolation {
		t.Fatalf("closed = %v, want [INVARIANT_VIOLATION]", closer.closed)
	}
}

func TestMaxHoldTimeIsLastResort(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	pos.MaxHoldUntil = time.Now().Add(-time.Minute)
	s.Track(pos)

	// Expired hold time, but price also breaches the stop: stop wins
	s.OnPrice(context.Background(), "BTCUSDT", 97, time.Now())
	if closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("reason = %s, want STOP_LOSS over MAX_HOLD_TIME", closer.closed[0])
	}

	closer.closed = nil
	pos2 := holdingLong("ETHUSDT")
	pos2.MaxHoldUntil = time.Now().Add(-time.Minute)
	s.Track(pos2)

	s.OnPrice(context.Background(), "ETHUSDT", 100.5, time.Now())
	if len(closer.staged) != 1 || closer.staged[0] != position.CloseMaxHoldTime {
		t.Fatalf("staged = %v, want [MAX_HOLD_TIME]", closer.staged)
	}
}

func TestStagedExitKeepsStopProtection(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	pos.Phase = position.PhaseExitSampling
	pos.ExitReason = position.CloseTakeProfit
	pos.MaxHoldUntil = time.Now().Add(-time.Minute)
	s.Track(pos)
	ctx := context.Background()

	// While scaling out, neither take profit nor the expired hold may
	// fire again
	s.OnPrice(ctx, "BTCUSDT", 104.5, time.Now())
	if len(closer.staged) != 0 || len(closer.closed) != 0 {
		t.Fatalf("re-triggered during scale-out: staged=%v closed=%v", closer.staged, closer.closed)
	}

	// The stop still guards the remainder
	s.OnPrice(ctx, "BTCUSDT", 97.9, time.Now())
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("closed = %v, want [STOP_LOSS]", closer.closed)
	}
}

func TestUntrackStopsEvaluation(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	s.Untrack(pos)

	s.OnPrice(context.Background(), "BTCUSDT", 90, time.Now())
	if len(closer.closed) != 0 {
		t.Fatalf("untracked position was closed: %v", closer.closed)
	}
	if s.TrackedCount() != 0 {
		t.Errorf("tracked = %d, want 0", s.TrackedCount())
	}
}

func TestIsReversal(t *testing.T) {
	s := newSupervisor(&fakeCloser{})
	pos := holdingLong("BTCUSDT")
	pos.SignalSnapshot = &scoring.ScoredSignal{Direction: scoring.Long, Total: 30, Threshold: 25}

	cases := []struct {
		name     string
		opposite *scoring.ScoredSignal
		want     bool
	}{
		{"nil signal", nil, false},
		{"same direction", &scoring.ScoredSignal{Direction: scoring.Long, Total: 40}, false},
		{"weak opposite", &scoring.ScoredSignal{Direction: scoring.Short, Total: 20}, false},
		{"at ratio", &scoring.ScoredSignal{Direction: scoring.Short, Total: 24}, true},
		{"strong opposite", &scoring.ScoredSignal{Direction: scoring.Short, Total: 35}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.IsReversal(pos, tc.opposite); got != tc.want {
				t.Errorf("IsReversal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBreakevenLiftOnArm(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	ctx := context.Background()
	now := time.Now()

	// Arming lifts the stop from 98 to the entry price
	s.OnPrice(ctx, "BTCUSDT", 102, now)
	if !pos.TrailingActivated {
		t.Fatal("not armed at activation threshold")
	}
	if pos.StopLossPrice != pos.AvgEntryPrice {
		t.Fatalf("stop = %v, want breakeven at %v", pos.StopLossPrice, pos.AvgEntryPrice)
	}
	if len(closer.closed) != 0 {
		t.Fatalf("closed on the arming tick: %v", closer.closed)
	}

	// A fall back to entry now exits at the lifted stop
	s.OnPrice(ctx, "BTCUSDT", 100, now)
	if len(closer.closed) != 1 || closer.closed[0] != position.CloseStopLoss {
		t.Fatalf("closed = %v, want [STOP_LOSS]", closer.closed)
	}
}

func TestArmingWritesStateThrough(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	ctx := context.Background()
	now := time.Now()

	s.OnPrice(ctx, "BTCUSDT", 101, now)
	if closer.persisted != 0 {
		t.Fatalf("persisted %d times before arming", closer.persisted)
	}

	// Arming and the breakeven lift must survive a restart, so the
	// tick that arms writes the position through
	s.OnPrice(ctx, "BTCUSDT", 102, now)
	if !pos.TrailingActivated {
		t.Fatal("not armed at activation threshold")
	}
	if closer.persisted != 1 {
		t.Fatalf("persisted = %d, want 1 on the arming tick", closer.persisted)
	}

	s.OnPrice(ctx, "BTCUSDT", 102.5, now)
	if closer.persisted != 1 {
		t.Fatalf("persisted = %d, want no rewrite on ordinary ticks", closer.persisted)
	}
}

func TestSupervisionDoesNotRaceReaders(t *testing.T) {
	closer := &fakeCloser{}
	s := newSupervisor(closer)
	pos := holdingLong("BTCUSDT")
	s.Track(pos)
	ctx := context.Background()

	// Price updates mutate trailing state while a reader marshals the
	// position, as the API and the state mirror do
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, err := json.Marshal(pos); err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
		}
	}()

	prices := []float64{102, 102.5, 103}
	for i := 0; i < 500; i++ {
		s.OnPrice(ctx, "BTCUSDT", prices[i%len(prices)], time.Now())
	}
	wg.Wait()

	if len(closer.closed) != 0 {
		t.Fatalf("position closed inside its range: %v", closer.closed)
	}
	if !pos.TrailingActivated {
		t.Error("trailing never armed")
	}
}
