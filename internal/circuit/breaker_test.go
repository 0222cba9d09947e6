package circuit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/scoring"
)

func newBreaker(cfg *Config) *Breaker {
	return NewBreaker(cfg, events.NewBus(), zerolog.Nop())
}

func TestOpenRateBurstAdmitsExactlyN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpensPerMinute = 5
	b := newBreaker(cfg)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxOpensPerMinute+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Long); ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != int64(cfg.MaxOpensPerMinute) {
		t.Fatalf("admitted = %d, want exactly %d", admitted, cfg.MaxOpensPerMinute)
	}
	if !b.Tripped() {
		t.Error("breaker not tripped after burst over the limit")
	}
	if b.Snapshot().TripCause != TripOpenRate {
		t.Errorf("cause = %s, want OPEN_RATE", b.Snapshot().TripCause)
	}
}

func TestStopLossCascadeTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStopLossCloses = 3
	b := newBreaker(cfg)

	for i := 0; i < 3; i++ {
		b.RecordStopLossClose("BTCUSDT")
	}
	if b.Tripped() {
		t.Fatal("tripped at the limit, should trip only above it")
	}

	b.RecordStopLossClose("ETHUSDT")
	if !b.Tripped() {
		t.Fatal("not tripped above the cascade limit")
	}
	if b.Snapshot().TripCause != TripStopLossCascade {
		t.Errorf("cause = %s, want STOP_LOSS_CASCADE", b.Snapshot().TripCause)
	}
}

func TestAdverseReversalAgainstHeldLong(t *testing.T) {
	b := newBreaker(nil)
	b.RegisterHolding("BTCUSDT", scoring.Long)

	now := time.Now()
	b.ObservePrice("BTCUSDT", 100, now)
	b.ObservePrice("BTCUSDT", 99.5, now.Add(30*time.Second))
	if b.Tripped() {
		t.Fatal("tripped on a move inside tolerance")
	}

	b.ObservePrice("BTCUSDT", 97.5, now.Add(time.Minute))
	if !b.Tripped() {
		t.Fatal("not tripped on a 2.5% drop against a held long")
	}
	if b.Snapshot().TripCause != TripAdverseReversal {
		t.Errorf("cause = %s, want ADVERSE_REVERSAL", b.Snapshot().TripCause)
	}
}

func TestReversalIgnoresUnheldSymbols(t *testing.T) {
	b := newBreaker(nil)

	now := time.Now()
	b.ObservePrice("BTCUSDT", 100, now)
	b.ObservePrice("BTCUSDT", 90, now.Add(time.Minute))
	if b.Tripped() {
		t.Fatal("tripped on a symbol with no held position")
	}

	// A favorable move for a held short must not trip either
	b.RegisterHolding("ETHUSDT", scoring.Short)
	b.ObservePrice("ETHUSDT", 100, now)
	b.ObservePrice("ETHUSDT", 95, now.Add(time.Minute))
	if b.Tripped() {
		t.Fatal("tripped on a favorable move for a held short")
	}
}

func TestPerDirectionResume(t *testing.T) {
	b := newBreaker(nil)
	b.TripManually("test")

	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Long); ok {
		t.Fatal("admitted while tripped")
	}

	b.ResumeDirection(scoring.Long)
	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Long); !ok {
		t.Error("long not admitted after long resume")
	}
	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Short); ok {
		t.Error("short admitted while only long was resumed")
	}
	if !b.Tripped() {
		t.Error("breaker fully cleared after a single direction resume")
	}

	b.ResumeDirection(scoring.Short)
	if b.Tripped() {
		t.Error("breaker still tripped after both directions resumed")
	}
	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Short); !ok {
		t.Error("short not admitted after full resume")
	}
}

func TestCascadeDuringPartialResumeRetrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStopLossCloses = 1
	b := newBreaker(cfg)

	b.TripManually("test")
	b.ResumeDirection(scoring.Long)
	if !b.DirectionEnabled(scoring.Long) {
		t.Fatal("long not enabled after resume")
	}

	// A fresh cascade while only one direction is back must pull that
	// direction in again
	for i := 0; i < 5; i++ {
		b.RecordStopLossClose("BTCUSDT")
	}
	if b.DirectionEnabled(scoring.Long) {
		t.Fatal("long still enabled after a cascade during partial resume")
	}
	if b.Snapshot().TripCause != TripStopLossCascade {
		t.Errorf("cause = %s, want STOP_LOSS_CASCADE", b.Snapshot().TripCause)
	}
}

func TestCancelAdmissionFreesRateSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpensPerMinute = 1
	b := newBreaker(cfg)

	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Long); !ok {
		t.Fatal("first admission rejected")
	}
	b.CancelAdmission()

	// The failed open returned its slot, so the next one fits the
	// one-per-minute budget
	if ok, _ := b.AdmitOpen("BTCUSDT", scoring.Long); !ok {
		t.Fatal("admission rejected after the previous one was cancelled")
	}
	if b.Tripped() {
		t.Error("breaker tripped within the rate budget")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := newBreaker(nil)
	b.TripManually("maintenance")
	b.ResumeDirection(scoring.Long)

	state := b.Snapshot()

	restored := newBreaker(nil)
	restored.Restore(state)

	if !restored.Tripped() {
		t.Error("restored breaker lost its tripped state")
	}
	if !restored.DirectionEnabled(scoring.Long) {
		t.Error("restored breaker lost the resumed long direction")
	}
	if restored.DirectionEnabled(scoring.Short) {
		t.Error("restored breaker enabled the still-blocked short direction")
	}
}

func TestUnregisterHoldingStopsGuard(t *testing.T) {
	b := newBreaker(nil)
	b.RegisterHolding("BTCUSDT", scoring.Long)
	b.UnregisterHolding("BTCUSDT", scoring.Long)

	now := time.Now()
	b.ObservePrice("BTCUSDT", 100, now)
	b.ObservePrice("BTCUSDT", 90, now.Add(time.Minute))
	if b.Tripped() {
		t.Fatal("tripped after the held direction was unregistered")
	}
}
