package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/journal"
	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/position"
	"github.com/ashwinkm/trendflip/internal/strategy"
)

type mockClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// stubBroker feeds a scripted index price path and fills orders at scripted
// premiums.
type stubBroker struct {
	mu        sync.Mutex
	clock     *mockClock
	prices    []float64
	priceIdx  int
	optionLtp float64
	fills     []float64
	placed    []broker.MarketOrder
	orderFill map[string]float64
	orderQty  map[string]int
	holdSell  bool
	heldSells map[string]bool
	seq       int
}

var _ broker.Broker = (*stubBroker)(nil)

func newStubBroker(clock *mockClock, prices ...float64) *stubBroker {
	return &stubBroker{
		clock:     clock,
		prices:    prices,
		optionLtp: 10,
		orderFill: make(map[string]float64),
		orderQty:  make(map[string]int),
		heldSells: make(map[string]bool),
	}
}

// holdSellFills keeps subsequent SELLs PENDING until releaseSellFills.
func (s *stubBroker) holdSellFills() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdSell = true
}

func (s *stubBroker) releaseSellFills() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdSell = false
	s.heldSells = make(map[string]bool)
}

func (s *stubBroker) QuoteIndex(context.Context, string) (broker.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prices[s.priceIdx]
	if s.priceIdx < len(s.prices)-1 {
		s.priceIdx++
	}
	return broker.Tick{Symbol: "NIFTY", At: s.clock.Now().UTC(), Price: p}, nil
}

func (s *stubBroker) QuoteOption(context.Context, broker.OptionRef) (broker.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return broker.Tick{Symbol: "OPT", At: s.clock.Now().UTC(), Price: s.optionLtp}, nil
}

func (s *stubBroker) setOptionLtp(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionLtp = p
}

func (s *stubBroker) ResolveOption(_ context.Context, root string, spot float64, side broker.Side) (broker.OptionRef, error) {
	idx, err := market.LookupIndex(root)
	if err != nil {
		return broker.OptionRef{}, err
	}
	strike := idx.ATMStrike(spot)
	return broker.OptionRef{
		Root:       root,
		Strike:     strike,
		Side:       side,
		Expiry:     s.clock.Now().AddDate(0, 0, 3),
		SecurityID: fmt.Sprintf("STUB_%d_%s", strike, side),
	}, nil
}

func (s *stubBroker) PlaceMarketOrder(_ context.Context, ord broker.MarketOrder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, ord)
	fill := s.optionLtp
	if len(s.fills) > 0 {
		fill = s.fills[0]
		s.fills = s.fills[1:]
	}
	s.seq++
	id := fmt.Sprintf("STUB-%d", s.seq)
	s.orderFill[id] = fill
	s.orderQty[id] = ord.Qty
	if ord.Action == broker.ActionSell && s.holdSell {
		s.heldSells[id] = true
	}
	return id, nil
}

func (s *stubBroker) OrderStatus(_ context.Context, id string) (broker.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heldSells[id] {
		return broker.OrderUpdate{Status: broker.StatePending}, nil
	}
	fill, ok := s.orderFill[id]
	if !ok {
		return broker.OrderUpdate{Status: broker.StateUnknown}, nil
	}
	return broker.OrderUpdate{Status: broker.StateFilled, AvgFillPrice: fill, FilledQty: s.orderQty[id]}, nil
}

func (s *stubBroker) sellCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ord := range s.placed {
		if ord.Action == broker.ActionSell {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Engine: config.EngineConfig{
			StrategyID:           "strat-1",
			Index:                "NIFTY",
			IntervalSeconds:      5,
			SupertrendPeriod:     1,
			SupertrendMultiplier: 1,
			Lots:                 1,
			MaxTradesPerDay:      4,
			MinGapCandles:        1,
			OrderFillTimeoutMs:   200,
			OrderPollIntervalMs:  1,
		},
	}
}

// tradingMorning is a Monday 10:00 IST, inside the entry window.
func tradingMorning() time.Time {
	return time.Date(2026, 8, 24, 10, 0, 0, 0, market.IST())
}

func newTestEngine(t *testing.T, cfg *config.Config, b broker.Broker, clock *mockClock) (*Engine, *journal.SQLite) {
	t.Helper()
	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	e, err := New(cfg, b, jr, log.New(io.Discard, "", 0), WithClock(clock))
	require.NoError(t, err)
	return e, jr
}

// step advances the clock one candle interval and runs a cycle.
func step(e *Engine, clock *mockClock) {
	clock.Advance(5 * time.Second)
	e.cycle(context.Background())
}

func TestFlipEntryAndReversalExit(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	// Flat at 23500 seeds an up direction; the drop to 23400 flips it down.
	sb := newStubBroker(clock, 23500, 23500, 23400, 23400, 23400)
	sb.fills = []float64{10, 12} // BUY fills at 10, SELL at 12

	e, jr := newTestEngine(t, testConfig(), sb, clock)

	e.cycle(context.Background()) // first tick opens candle 1
	step(e, clock)                // closes candle 1: warm-up done, direction +1, flip -> CE entry

	snap := e.State()
	require.NotNil(t, snap.Position)
	assert.Equal(t, "OPEN", snap.Position.State)
	assert.Equal(t, "CE", snap.Position.Side)
	assert.Equal(t, 23500, snap.Position.Strike)
	assert.Equal(t, 50, snap.Position.Qty)
	assert.Equal(t, 10.0, snap.Position.EntryPrice)
	// First publish marks the option at the fill, so unrealized starts flat.
	assert.Zero(t, snap.Position.UnrealizedPnl)
	assert.Equal(t, 1, snap.RiskBook.TradesTakenToday)

	// The open half is journaled before publication.
	trades, err := jr.ListTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Nil(t, trades[0].CloseAt)

	step(e, clock) // closes candle 2 (still 23500): no flip, position held
	require.NotNil(t, e.State().Position)

	sb.setOptionLtp(12)
	step(e, clock) // closes candle 3 at 23400: direction stays +1 this close
	step(e, clock) // closes candle 4 at 23400: close < carried lower band, flip -> Reversal exit

	snap = e.State()
	assert.Nil(t, snap.Position)
	assert.InDelta(t, 100.0, snap.RiskBook.RealizedPnlToday, 1e-9) // (12-10)*50
	require.NotNil(t, snap.LastAction)
	assert.Equal(t, "exit", snap.LastAction.Kind)
	assert.Equal(t, strategy.ReasonReversal, snap.LastAction.Reason)

	trades, err = jr.ListTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.NotNil(t, trades[0].CloseAt)
	assert.Equal(t, strategy.ReasonReversal, *trades[0].ExitReason)
	assert.InDelta(t, 100.0, *trades[0].RealizedPnl, 1e-9)

	// Day stats follow the risk book.
	stats, err := jr.GetDayStats(snap.RiskBook.Day)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats.RealizedPnl, 1e-9)
	assert.Equal(t, 1, stats.TradesTaken)

	assert.Equal(t, 1, sb.sellCount())
}

func openTestPosition(t *testing.T, e *Engine, sb *stubBroker, clock *mockClock) {
	t.Helper()
	e.cycle(context.Background())
	step(e, clock)
	require.NotNil(t, e.State().Position, "entry did not fire")
}

func TestInitialStopExit(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	cfg := testConfig()
	cfg.Engine.InitialStopPoints = 50
	e, _ := newTestEngine(t, cfg, sb, clock)
	openTestPosition(t, e, sb, clock)

	// LTP above the stop: held.
	sb.setOptionLtp(50.1)
	step(e, clock)
	require.NotNil(t, e.State().Position)

	sb.setOptionLtp(49.9)
	step(e, clock)

	snap := e.State()
	assert.Nil(t, snap.Position)
	assert.Equal(t, strategy.ReasonInitialSL, snap.LastAction.Reason)
}

func TestDailyMaxLossTripBlocksEntries(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	// Price path produces a second flip later: up, drop (flip down) after exit.
	sb := newStubBroker(clock, 23500, 23500, 23500, 23500, 23400, 23400, 23400)
	sb.fills = []float64{100}

	cfg := testConfig()
	cfg.Engine.DailyMaxLossRupees = 4000
	e, _ := newTestEngine(t, cfg, sb, clock)
	openTestPosition(t, e, sb, clock)

	// Unrealized (0.05-100)*50 = -4997.5 breaches the 4000 cap.
	sb.setOptionLtp(0.05)
	step(e, clock)

	snap := e.State()
	assert.Nil(t, snap.Position)
	assert.Equal(t, strategy.ReasonDailyMaxLoss, snap.LastAction.Reason)
	assert.True(t, snap.RiskBook.DailyLossTripped)

	// Later flips are not traded for the rest of the day.
	for i := 0; i < 4; i++ {
		step(e, clock)
	}
	assert.Nil(t, e.State().Position)
	assert.Equal(t, 1, len(sb.placed)-sb.sellCount())
}

func TestForceFlatOverridesAll(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	cfg := testConfig()
	cfg.Engine.TargetPoints = 1000 // would never fire
	e, _ := newTestEngine(t, cfg, sb, clock)
	openTestPosition(t, e, sb, clock)

	// Jump past 15:25 IST.
	clock.Set(time.Date(2026, 8, 24, 15, 26, 0, 0, market.IST()))
	e.cycle(context.Background())

	snap := e.State()
	assert.Nil(t, snap.Position)
	assert.Equal(t, strategy.ReasonForceSquareoff, snap.LastAction.Reason)
	assert.Equal(t, 1, sb.sellCount())
}

func TestSquareoffSingleSell(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(StopForceFlat) })

	e.cycle(context.Background())
	step(e, clock)
	require.NotNil(t, e.State().Position)

	// Repeated squareoff requests coalesce into one SELL.
	require.NoError(t, e.Squareoff())
	require.NoError(t, e.Squareoff())
	step(e, clock)

	snap := e.State()
	assert.Nil(t, snap.Position)
	assert.Equal(t, strategy.ReasonManual, snap.LastAction.Reason)
	assert.Equal(t, 1, sb.sellCount())

	assert.ErrorIs(t, e.Squareoff(), ErrNoPosition)
}

// A squareoff accepted while a SELL is already in flight coalesces into
// that SELL; it must not carry over and liquidate the next position.
func TestSquareoffWhileClosingDoesNotSellNextPosition(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	// 23500 seeds an up direction (CE entry); the drop to 23400 flips it
	// down later for a second, PE entry.
	sb := newStubBroker(clock, 23500, 23500, 23500, 23500, 23400)
	sb.fills = []float64{100, 50, 10} // CE entry, CE exit, PE entry

	cfg := testConfig()
	cfg.Engine.InitialStopPoints = 50
	e, _ := newTestEngine(t, cfg, sb, clock)
	e.running = true // cycles driven by the test
	openTestPosition(t, e, sb, clock)

	// Initial SL fires but the SELL stays PENDING past the fill deadline.
	sb.holdSellFills()
	sb.setOptionLtp(49.9)
	step(e, clock)
	require.Equal(t, "CLOSING", e.State().Position.State)

	require.NoError(t, e.Squareoff())

	sb.releaseSellFills()
	require.Eventually(t, func() bool {
		e.cycle(context.Background())
		return e.State().Position == nil
	}, 5*time.Second, 5*time.Millisecond, "background SELL never finalized")

	// The next flip opens a PE position.
	for i := 0; i < 3 && e.State().Position == nil; i++ {
		step(e, clock)
	}
	snap := e.State()
	require.NotNil(t, snap.Position, "second entry did not fire")
	assert.Equal(t, "PE", snap.Position.Side)

	// It stays open with no operator action: exactly one SELL ever placed.
	step(e, clock)
	snap = e.State()
	require.NotNil(t, snap.Position)
	assert.Equal(t, "OPEN", snap.Position.State)
	assert.Equal(t, 1, sb.sellCount())
}

// A manual request outranked by force-flat in the same cycle must not
// survive the close and fire on a later position.
func TestManualFlagClearedWhenForceFlatWins(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	e.running = true // cycles driven by the test
	openTestPosition(t, e, sb, clock)

	require.NoError(t, e.Squareoff())
	clock.Set(time.Date(2026, 8, 24, 15, 26, 0, 0, market.IST()))
	e.cycle(context.Background())

	snap := e.State()
	assert.Nil(t, snap.Position)
	assert.Equal(t, strategy.ReasonForceSquareoff, snap.LastAction.Reason)
	assert.False(t, e.manualExit)
}

func TestConfigAndTradingFlagRestoredOnRestart(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500)

	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	e1, err := New(testConfig(), sb, jr, log.New(io.Discard, "", 0), WithClock(clock))
	require.NoError(t, err)

	tighter := 2500.0
	require.NoError(t, e1.UpdateConfig(&config.Patch{DailyMaxLossRupees: &tighter}))
	e1.SetTradingEnabled(false)

	// A fresh engine over the same journal picks both up.
	e2, err := New(testConfig(), sb, jr, log.New(io.Discard, "", 0), WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, 2500.0, e2.cfg.DailyMaxLossRupees)
	assert.False(t, e2.State().TradingEnabled)
}

func TestStopForceFlatTimesOutWhenSellStuck(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	require.NoError(t, e.Start(context.Background()))

	e.cycle(context.Background())
	step(e, clock)
	require.NotNil(t, e.State().Position)

	sb.holdSellFills()
	e.stopWait = 50 * time.Millisecond
	assert.ErrorIs(t, e.Stop(StopForceFlat), ErrPositionLive)
	assert.True(t, e.Running())

	// Once the broker confirms the fill, a retried stop completes.
	sb.releaseSellFills()
	e.stopWait = 10 * time.Second
	require.NoError(t, e.Stop(StopForceFlat))
	assert.False(t, e.Running())
}

func TestTradingDisabledBlocksEntry(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	e.tradingEnabled = false

	e.cycle(context.Background())
	step(e, clock)
	assert.Nil(t, e.State().Position)
	assert.Empty(t, sb.placed)
}

func TestEntryOutsideWindowSkipped(t *testing.T) {
	// 09:20 IST: session open but before the entry window.
	clock := &mockClock{t: time.Date(2026, 8, 24, 9, 20, 0, 0, market.IST())}
	sb := newStubBroker(clock, 23500, 23500, 23500)

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	e.cycle(context.Background())
	step(e, clock)

	assert.Nil(t, e.State().Position)
	assert.Empty(t, sb.placed)
}

func TestStopGracefulRefusedWhileOpen(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	require.NoError(t, e.Start(context.Background()))

	e.cycle(context.Background())
	step(e, clock)
	require.NotNil(t, e.State().Position)

	assert.ErrorIs(t, e.Stop(StopGraceful), ErrPositionLive)
	assert.True(t, e.Running())

	// FORCE_FLAT exits through the executor and stops.
	require.NoError(t, e.Stop(StopForceFlat))
	assert.False(t, e.Running())
	assert.Equal(t, 1, sb.sellCount())
}

func TestStartStopLifecycle(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500)

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, e.Stop(StopGraceful))
	assert.ErrorIs(t, e.Stop(StopGraceful), ErrNotRunning)
}

func TestUpdateConfigWhileLive(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)
	sb.fills = []float64{100}

	cfg := testConfig()
	cfg.Engine.DailyMaxLossRupees = 5000
	e, _ := newTestEngine(t, cfg, sb, clock)
	openTestPosition(t, e, sb, clock)

	period := 10
	err := e.UpdateConfig(&config.Patch{SupertrendPeriod: &period})
	assert.Error(t, err)

	tighter := 3000.0
	require.NoError(t, e.UpdateConfig(&config.Patch{DailyMaxLossRupees: &tighter}))
	assert.Equal(t, 3000.0, e.cfg.DailyMaxLossRupees)
}

func TestRiskBookRestoredFromJournal(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500)

	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	day := "2026-08-24"
	require.NoError(t, jr.UpsertDayStats(journal.DayStats{
		DateIST: day, RealizedPnl: -4800, TradesTaken: 3, DailyLossTripped: true,
	}))

	e, err := New(testConfig(), sb, jr, log.New(io.Discard, "", 0), WithClock(clock))
	require.NoError(t, err)

	snap := e.State()
	assert.Equal(t, -4800.0, snap.RiskBook.RealizedPnlToday)
	assert.Equal(t, 3, snap.RiskBook.TradesTakenToday)
	assert.True(t, snap.RiskBook.DailyLossTripped)
}

func TestSessionDayRolloverResets(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500, 23500, 23500)

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	e.book.RecordClose(-1200)
	e.book.TripDailyLoss()

	clock.Set(time.Date(2026, 8, 25, 9, 30, 0, 0, market.IST()))
	e.cycle(context.Background())

	snap := e.State()
	assert.Equal(t, "2026-08-25", snap.RiskBook.Day)
	assert.Zero(t, snap.RiskBook.RealizedPnlToday)
	assert.False(t, snap.RiskBook.DailyLossTripped)
}

func TestSnapshotBroadcast(t *testing.T) {
	clock := &mockClock{t: tradingMorning()}
	sb := newStubBroker(clock, 23500)

	e, _ := newTestEngine(t, testConfig(), sb, clock)
	ch, cancel := e.Subscribe()
	defer cancel()

	e.cycle(context.Background())

	select {
	case snap := <-ch:
		assert.Equal(t, "strat-1", snap.StrategyID)
		assert.Equal(t, "PAPER", snap.Mode)
		assert.Equal(t, 23500.0, snap.LastTickPrice)
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
	}
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	drops := 0
	b := NewBroadcaster(log.New(io.Discard, "", 0), func() { drops++ })

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < defaultSubscriberBuffer+1; i++ {
		b.Publish(Snapshot{})
	}

	assert.Equal(t, 1, drops)
	assert.Equal(t, 0, b.SubscriberCount())

	// Channel is closed after the buffered snapshots drain.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, defaultSubscriberBuffer, n)
}

func TestPositionStateNeverSkipsClosing(t *testing.T) {
	p := position.New("x", "s", broker.OptionRef{}, 1, 50, "b")
	require.NoError(t, p.ConfirmFill(100, time.Now(), 0, 0))
	assert.Error(t, p.TransitionTo(position.StateClosed))
}
