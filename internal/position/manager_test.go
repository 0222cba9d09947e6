package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/ledger"
	"crypto-futures-bot/internal/market"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/risk"
	"crypto-futures-bot/internal/scoring"
)

type stubGate struct {
	mu      sync.Mutex
	allow   bool
	reason  string
	admits  int
	cancels int
}

func (g *stubGate) AdmitOpen(string, scoring.Direction) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allow {
		g.admits++
	}
	return g.allow, g.reason
}

func (g *stubGate) CancelAdmission() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
}

func (g *stubGate) cancelled() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancels
}

// cleanLongSignal mirrors the canonical qualifying long: 5+6+10+5+6=32
// of 42 against a threshold of 25.
func cleanLongSignal(symbol string) *scoring.ScoredSignal {
	return &scoring.ScoredSignal{
		Symbol:    symbol,
		Direction: scoring.Long,
		Components: map[scoring.ComponentKind]float64{
			scoring.ComponentMacroTrend:         5,
			scoring.ComponentMidTrend:           6,
			scoring.ComponentShortConfirmation:  10,
			scoring.ComponentVolumePriceAction:  5,
			scoring.ComponentIndicatorComposite: 6,
		},
		Total:           32,
		MaxScore:        42,
		Threshold:       25,
		PassesThreshold: true,
	}
}

func neutralRec() regime.Record {
	return regime.Record{Label: regime.Neutral, PositionSizeMultiplier: 1.0}
}

type fixture struct {
	manager *Manager
	source  *market.StaticSource
	account *ledger.Account
	gate    *stubGate
	cfg     *Config
}

func newFixture(balance float64) *fixture {
	source := market.NewStaticSource()
	source.SetPrice("BTCUSDT", 100)

	account := ledger.NewAccount(balance, zerolog.Nop())
	gate := &stubGate{allow: true}
	cfg := DefaultConfig()
	cfg.BaseCapital = 300
	cfg.BatchCount = 3
	cfg.BatchInterval = time.Second

	manager := NewManager(cfg, source, market.NewPaperExecutor(source, zerolog.Nop()),
		account, risk.NewTierService(nil, zerolog.Nop()), risk.NewStopCalculator(nil),
		gate, nil, events.NewBus(), zerolog.Nop())

	return &fixture{manager: manager, source: source, account: account, gate: gate, cfg: cfg}
}

func TestCleanLongEntry(t *testing.T) {
	f := newFixture(1000)

	pos, result := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusOpened {
		t.Fatalf("status = %s, want OPENED", result.Status)
	}
	if pos.Phase != PhaseSampling {
		t.Errorf("phase = %s, want SAMPLING", pos.Phase)
	}
	if pos.Direction != scoring.Long {
		t.Errorf("direction = %s, want LONG", pos.Direction)
	}
	if pos.SignalSnapshot == nil || pos.SignalSnapshot.Total != 32 {
		t.Error("signal snapshot not stored")
	}
	if f.account.Available() != 700 {
		t.Errorf("available = %v, want 700 after reserving 300", f.account.Available())
	}
}

func TestConflictingPositionIsNoOp(t *testing.T) {
	f := newFixture(1000)

	_, first := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if first.Status != StatusOpened {
		t.Fatalf("first open status = %s", first.Status)
	}

	pos, second := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if second.Status != StatusConflictingPosition {
		t.Errorf("second open status = %s, want CONFLICTING_POSITION", second.Status)
	}
	if pos != nil {
		t.Error("conflicting open returned a position")
	}

	// The opposite direction is a different key and may open
	shortSig := cleanLongSignal("BTCUSDT")
	shortSig.Direction = scoring.Short
	_, third := f.manager.OpenCandidate(context.Background(), shortSig, neutralRec())
	if third.Status != StatusOpened {
		t.Errorf("short open status = %s, want OPENED", third.Status)
	}
}

func TestBreakerRejectionIsDistinct(t *testing.T) {
	f := newFixture(1000)
	f.gate.allow = false
	f.gate.reason = "trading disabled"

	_, result := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusBreakerRejected {
		t.Errorf("status = %s, want BREAKER_REJECTED", result.Status)
	}
	if result.Reason != "trading disabled" {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestTierForbiddenRejected(t *testing.T) {
	f := newFixture(1000)
	tierCfg := risk.DefaultTierConfig()
	tierCfg.ForbiddenSymbolList = []string{"BTCUSDT"}
	f.manager.tiers = risk.NewTierService(tierCfg, zerolog.Nop())

	_, result := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusTierForbidden {
		t.Errorf("status = %s, want TIER_FORBIDDEN", result.Status)
	}
}

func TestInsufficientCapital(t *testing.T) {
	f := newFixture(100) // base capital 300 > balance

	_, result := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusInsufficientCapital {
		t.Errorf("status = %s, want INSUFFICIENT_CAPITAL", result.Status)
	}
	if f.account.Available() != 100 {
		t.Errorf("rejected open leaked margin: available = %v", f.account.Available())
	}
}

// confirmingCandles produces a short-timeframe series whose last
// closed candle agrees with the direction.
func confirmingCandles(bullish bool) []market.Candle {
	base := time.Now().Add(-time.Hour)
	mk := func(i int, up bool) market.Candle {
		open, close := 100.0, 101.0
		if !up {
			open, close = 101.0, 100.0
		}
		return market.Candle{
			OpenTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:     open, High: 101.5, Low: 99.5, Close: close, Volume: 50,
		}
	}
	return []market.Candle{mk(0, bullish), mk(1, bullish), mk(2, !bullish)}
}

func TestSamplingToHoldingFlow(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()

	pos, result := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusOpened {
		t.Fatalf("open failed: %s", result.Status)
	}

	// No candles yet: sampling just waits
	f.manager.Advance(ctx, pos, time.Now())
	if pos.Phase != PhaseSampling {
		t.Fatalf("phase = %s, want SAMPLING while unconfirmed", pos.Phase)
	}

	// A confirming candle moves it to BUILDING
	f.source.SetCandles("BTCUSDT", f.cfg.ShortTimeframe, confirmingCandles(true))
	f.manager.Advance(ctx, pos, time.Now())
	if pos.Phase != PhaseBuilding {
		t.Fatalf("phase = %s, want BUILDING after confirmation", pos.Phase)
	}

	// Fill all batches
	now := time.Now()
	for i := 0; i < f.cfg.BatchCount; i++ {
		f.manager.Advance(ctx, pos, now.Add(time.Duration(i)*2*f.cfg.BatchInterval))
	}

	if pos.Phase != PhaseHolding {
		t.Fatalf("phase = %s, want HOLDING after all batches", pos.Phase)
	}
	if len(pos.Batches) != f.cfg.BatchCount {
		t.Errorf("batches = %d, want %d", len(pos.Batches), f.cfg.BatchCount)
	}
	if pos.StopLossPrice >= pos.AvgEntryPrice {
		t.Errorf("long stop loss %v not below entry %v", pos.StopLossPrice, pos.AvgEntryPrice)
	}
	if pos.TakeProfitPrice <= pos.AvgEntryPrice {
		t.Errorf("long take profit %v not above entry %v", pos.TakeProfitPrice, pos.AvgEntryPrice)
	}
}

func TestSamplingTimeoutDiscards(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()

	pos, _ := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())

	f.manager.Advance(ctx, pos, time.Now().Add(f.cfg.SamplingWindow+time.Minute))
	if pos.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want CLOSED after sampling timeout", pos.Phase)
	}
	if pos.CloseReason != CloseEntryAborted {
		t.Errorf("close reason = %s, want ENTRY_ABORTED", pos.CloseReason)
	}
	if f.account.Available() != 1000 {
		t.Errorf("margin not fully returned: available = %v", f.account.Available())
	}
	if len(f.manager.OpenPositions()) != 0 {
		t.Error("discarded candidate still tracked as open")
	}
}

func TestEntryGuardHaltsBatches(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()

	pos, _ := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())
	f.source.SetCandles("BTCUSDT", f.cfg.ShortTimeframe, confirmingCandles(true))
	f.manager.Advance(ctx, pos, time.Now())
	if pos.Phase != PhaseBuilding {
		t.Fatalf("phase = %s, want BUILDING", pos.Phase)
	}

	// First batch fills at 100
	f.manager.Advance(ctx, pos, time.Now())
	if len(pos.Batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(pos.Batches))
	}

	// Price collapses beyond the guard: no more batches, sealed early
	f.source.SetPrice("BTCUSDT", 100*(1-(f.cfg.EntryGuardPct+0.5)/100))
	f.manager.Advance(ctx, pos, time.Now().Add(2*f.cfg.BatchInterval))

	if pos.Phase != PhaseHolding {
		t.Fatalf("phase = %s, want HOLDING after guard seal", pos.Phase)
	}
	if len(pos.Batches) != 1 {
		t.Errorf("batches = %d, want 1 after guard halt", len(pos.Batches))
	}
}

func TestForceCloseReleasesCapitalAndAllowsReopen(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()

	pos, _ := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())
	f.source.SetCandles("BTCUSDT", f.cfg.ShortTimeframe, confirmingCandles(true))
	f.manager.Advance(ctx, pos, time.Now())
	f.manager.Advance(ctx, pos, time.Now()) // one batch at 100

	var closedPnl float64
	var observed bool
	f.manager.OnClose(func(p *Position) {
		observed = true
		closedPnl = p.RealizedPnl
	})

	f.source.SetPrice("BTCUSDT", 105)
	f.manager.ForceClose(ctx, pos, CloseManual)

	if pos.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want CLOSED", pos.Phase)
	}
	if !observed {
		t.Error("close observer not invoked")
	}
	if closedPnl <= 0 {
		t.Errorf("realized pnl = %v, want profit after 5%% move", closedPnl)
	}

	// ForceClose must be idempotent
	f.manager.ForceClose(ctx, pos, CloseManual)

	// The slot is free again
	_, result := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusOpened {
		t.Errorf("reopen status = %s, want OPENED", result.Status)
	}
}

// buildHolding drives a fresh candidate through SAMPLING and BUILDING
// until it seals. Batches fill at 100, one unit each.
func buildHolding(t *testing.T, f *fixture) *Position {
	t.Helper()
	ctx := context.Background()
	pos, result := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusOpened {
		t.Fatalf("open failed: %s", result.Status)
	}
	f.source.SetCandles("BTCUSDT", f.cfg.ShortTimeframe, confirmingCandles(true))
	f.manager.Advance(ctx, pos, time.Now())
	now := time.Now()
	for i := 0; i < f.cfg.BatchCount; i++ {
		f.manager.Advance(ctx, pos, now.Add(time.Duration(i)*2*f.cfg.BatchInterval))
	}
	if pos.Phase != PhaseHolding {
		t.Fatalf("phase = %s, want HOLDING", pos.Phase)
	}
	return pos
}

func TestStagedExitScalesOutThroughExitSampling(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()
	pos := buildHolding(t, f)

	f.source.SetPrice("BTCUSDT", 105)
	f.manager.BeginStagedExit(ctx, pos, CloseTakeProfit)
	if pos.Phase != PhaseExitSampling {
		t.Fatalf("phase = %s, want EXIT_SAMPLING", pos.Phase)
	}

	// A second trigger while scaling out must not restart or rewrite
	// the exit
	f.manager.BeginStagedExit(ctx, pos, CloseManual)
	if pos.ExitReason != CloseTakeProfit {
		t.Errorf("exit reason = %s, want TAKE_PROFIT", pos.ExitReason)
	}

	now := time.Now()
	f.manager.Advance(ctx, pos, now)
	if len(pos.ExitBatches) != 1 {
		t.Fatalf("exit batches = %d, want 1 after first due tick", len(pos.ExitBatches))
	}
	if pos.Phase != PhaseExitSampling {
		t.Fatalf("phase = %s, want EXIT_SAMPLING between batches", pos.Phase)
	}

	f.manager.Advance(ctx, pos, now.Add(2*f.cfg.ExitBatchInterval))
	if pos.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want CLOSED after final batch", pos.Phase)
	}
	if pos.CloseReason != CloseTakeProfit {
		t.Errorf("close reason = %s, want TAKE_PROFIT", pos.CloseReason)
	}
	if rem := pos.RemainingQuantity(); rem != 0 {
		t.Errorf("remaining quantity = %v, want 0", rem)
	}
	if pos.RealizedPnl <= 0 {
		t.Errorf("realized pnl = %v, want profit after 5%% move", pos.RealizedPnl)
	}
	if got := f.account.SnapshotNow().FrozenMargin; got != 0 {
		t.Errorf("frozen margin = %v, want 0 after staged close", got)
	}
}

func TestForceCloseDuringStagedExitClosesRemainder(t *testing.T) {
	f := newFixture(1000)
	ctx := context.Background()
	pos := buildHolding(t, f)

	f.source.SetPrice("BTCUSDT", 105)
	f.manager.BeginStagedExit(ctx, pos, CloseTakeProfit)
	f.manager.Advance(ctx, pos, time.Now()) // half the size out at 105

	// Price breaks down mid scale-out: the stop dumps the rest
	f.source.SetPrice("BTCUSDT", 99)
	f.manager.ForceClose(ctx, pos, CloseStopLoss)

	if pos.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want CLOSED", pos.Phase)
	}
	if pos.CloseReason != CloseStopLoss {
		t.Errorf("close reason = %s, want STOP_LOSS", pos.CloseReason)
	}
	if rem := pos.RemainingQuantity(); rem != 0 {
		t.Errorf("remaining quantity = %v, want 0", rem)
	}
	if got, want := pos.AvgExitPrice(), 102.0; got != want {
		t.Errorf("avg exit price = %v, want %v blended across fills", got, want)
	}
}

func TestFailedOpenReturnsRateSlot(t *testing.T) {
	f := newFixture(100) // below base capital, so admission then rejection

	_, result := f.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec())
	if result.Status != StatusInsufficientCapital {
		t.Fatalf("status = %s, want INSUFFICIENT_CAPITAL", result.Status)
	}
	if got := f.gate.cancelled(); got != 1 {
		t.Errorf("cancelled admissions = %d, want 1 for the failed open", got)
	}

	ok := newFixture(1000)
	if _, result := ok.manager.OpenCandidate(context.Background(), cleanLongSignal("BTCUSDT"), neutralRec()); result.Status != StatusOpened {
		t.Fatalf("status = %s, want OPENED", result.Status)
	}
	if got := ok.gate.cancelled(); got != 0 {
		t.Errorf("cancelled admissions = %d, want 0 for a successful open", got)
	}
}

func TestSingleActivePositionUnderInterleaving(t *testing.T) {
	f := newFixture(100000)
	ctx := context.Background()

	var wg sync.WaitGroup
	opened := make(chan *Position, 160)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if pos, res := f.manager.OpenCandidate(ctx, cleanLongSignal("BTCUSDT"), neutralRec()); res.Status == StatusOpened {
					opened <- pos
					f.manager.ForceClose(ctx, pos, CloseManual)
				}
			}
		}()
	}
	wg.Wait()
	close(opened)

	// At every instant at most one was open; at the end none are
	if n := len(f.manager.OpenPositions()); n != 0 {
		t.Errorf("open positions after interleaving = %d, want 0", n)
	}

	// Closing released everything that was reserved
	if got := f.account.SnapshotNow().FrozenMargin; got != 0 {
		t.Errorf("frozen margin = %v, want 0", got)
	}
}

func TestPhaseTransitionTable(t *testing.T) {
	legal := []struct {
		from, to Phase
	}{
		{PhaseSampling, PhaseBuilding},
		{PhaseBuilding, PhaseHolding},
		{PhaseHolding, PhaseExitSampling},
		{PhaseExitSampling, PhaseClosed},
		{PhaseSampling, PhaseClosed},
		{PhaseBuilding, PhaseClosed},
		{PhaseHolding, PhaseClosed},
	}
	for _, tr := range legal {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct {
		from, to Phase
	}{
		{PhaseHolding, PhaseBuilding},
		{PhaseClosed, PhaseSampling},
		{PhaseSampling, PhaseHolding},
		{PhaseBuilding, PhaseSampling},
		{PhaseClosed, PhaseClosed},
	}
	for _, tr := range illegal {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be illegal", tr.from, tr.to)
		}
	}
}
