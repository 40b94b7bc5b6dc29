// Package engine runs the per-strategy trading loop: tick ingestion,
// candle aggregation, indicator updates, risk evaluation, order execution,
// and snapshot broadcasting. The loop is the single writer of its
// Position, RiskBook, Aggregator, and indicator state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/candle"
	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/indicator"
	"github.com/ashwinkm/trendflip/internal/journal"
	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/orders"
	"github.com/ashwinkm/trendflip/internal/position"
	"github.com/ashwinkm/trendflip/internal/strategy"
)

const (
	defaultCadence = time.Second
	quoteTimeout   = 5 * time.Second

	// defaultStopWait bounds how long Stop(FORCE_FLAT) waits for the
	// position to go flat before surfacing a timeout. Wide enough for the
	// full background SELL polling budget.
	defaultStopWait = 90 * time.Second
)

type sellResult struct {
	fill   *orders.Fill
	reason string
	err    error
}

type pendingClose struct {
	fill   *orders.Fill
	reason string
}

// Engine is one strategy instance. Control methods are safe to call from
// other goroutines; they serialize with the loop on the engine mutex.
type Engine struct {
	mu sync.Mutex

	cfg     *config.EngineConfig
	mode    string
	idx     market.Index
	session *market.Session
	clock   market.Clock
	cadence time.Duration

	broker  broker.Broker
	exec    *orders.Executor
	journal *journal.SQLite
	logger  *log.Logger

	agg  *candle.Aggregator
	st   *indicator.SuperTrend
	macd *indicator.MACD

	pos  *position.Position
	book *position.RiskBook

	broadcaster *Broadcaster
	metrics     *Metrics

	running        bool
	tradingEnabled bool
	manualExit     bool
	stopAfterFlat  bool
	stopWait       time.Duration
	cancel         context.CancelFunc
	done           chan struct{}

	lastSignal    indicator.Signal
	lastTick      broker.Tick
	lastOptionLtp float64
	lastBoundary  time.Time
	lastAction    *ActionNote
	pendingClose  *pendingClose
	sellResults   chan sellResult
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c market.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithCadence overrides the loop wake interval.
func WithCadence(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cadence = d
		}
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine from validated config. The risk book is restored
// from the journal's day stats so a restart mid-session keeps its loss cap
// and trade count.
func New(cfg *config.Config, b broker.Broker, jr *journal.SQLite, logger *log.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	idx, err := market.LookupIndex(cfg.Engine.Index)
	if err != nil {
		return nil, err
	}
	session, err := market.NewSession(market.SessionTimes{
		EntryOpen:  cfg.Session.EntryOpen,
		EntryClose: cfg.Session.EntryClose,
		ForceFlat:  cfg.Session.ForceFlat,
		Close:      cfg.Session.Close,
	})
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.Engine
	e := &Engine{
		cfg:            &engineCfg,
		mode:           strings.ToUpper(cfg.Environment.Mode),
		idx:            idx,
		session:        session,
		clock:          market.RealClock{},
		cadence:        defaultCadence,
		broker:         b,
		journal:        jr,
		logger:         logger,
		tradingEnabled: true,
		stopWait:       defaultStopWait,
		sellResults:    make(chan sellResult, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	// Applied config patches and the trading pause survive a restart.
	var saved config.EngineConfig
	found, err := jr.LoadConfig("engine_config", &saved)
	if err != nil {
		return nil, fmt.Errorf("restoring engine config: %w", err)
	}
	if found {
		if verr := saved.Validate(); verr != nil {
			logger.Printf("ERROR ignoring persisted engine config: %v", verr)
		} else {
			*e.cfg = saved
		}
	}
	var enabled bool
	found, err = jr.LoadConfig("trading_enabled", &enabled)
	if err != nil {
		return nil, fmt.Errorf("restoring trading flag: %w", err)
	}
	if found {
		e.tradingEnabled = enabled
	}

	e.exec = orders.NewExecutor(b, engineCfg.StrategyID, logger, orders.Config{
		PollInterval: time.Duration(engineCfg.OrderPollIntervalMs) * time.Millisecond,
		FillTimeout:  time.Duration(engineCfg.OrderFillTimeoutMs) * time.Millisecond,
		CallTimeout:  quoteTimeout,
	}).WithClock(e.clock)

	e.broadcaster = NewBroadcaster(logger, func() {
		if e.metrics != nil {
			e.metrics.SnapshotDrops.Inc()
		}
	})

	if err := e.buildPipeline(); err != nil {
		return nil, err
	}

	day := session.SessionDay(e.clock.Now())
	e.book = position.NewRiskBook(day)
	stats, err := jr.GetDayStats(day)
	if err != nil {
		return nil, fmt.Errorf("restoring day stats: %w", err)
	}
	e.book.RealizedPnlToday = stats.RealizedPnl
	e.book.TradesTakenToday = stats.TradesTaken
	if stats.DailyLossTripped {
		e.book.TripDailyLoss()
	}

	return e, nil
}

// buildPipeline (re)creates the aggregator and indicators from the current
// config. Any partial candle is discarded.
func (e *Engine) buildPipeline() error {
	agg, err := candle.NewAggregator(e.cfg.Index, e.cfg.IntervalSeconds)
	if err != nil {
		return err
	}
	st, err := indicator.NewSuperTrend(e.cfg.SupertrendPeriod, e.cfg.SupertrendMultiplier)
	if err != nil {
		return err
	}
	var macd *indicator.MACD
	if e.cfg.UseMacd {
		macd, err = indicator.NewMACD(e.cfg.MacdFast, e.cfg.MacdSlow, e.cfg.MacdSignal)
		if err != nil {
			return err
		}
	}
	e.agg, e.st, e.macd = agg, st, macd
	e.lastSignal = indicator.Signal{}
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	// Monotonic cadence: drift and slow cycles shift the schedule instead
	// of causing a burst of catch-up wakes.
	next := time.Now()
	for {
		next = next.Add(e.cadence)
		if d := time.Until(next); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			next = time.Now()
			if ctx.Err() != nil {
				return
			}
		}

		started := time.Now()
		e.cycle(ctx)
		if e.metrics != nil {
			e.metrics.Cycles.Inc()
			e.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		}
	}
}

// cycle executes one pass of the engine loop.
func (e *Engine) cycle(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	// Session-day rollover resets the risk ledger and the candle pipeline.
	if e.book.EnsureDay(e.session.SessionDay(now)) {
		e.logger.Printf("session day rollover to %s", e.book.Day)
		if err := e.buildPipeline(); err != nil {
			e.logger.Printf("ERROR rebuilding pipeline: %v", err)
		}
		e.persistDayStats()
	}

	// Retry a close whose journal write failed; nothing else advances for
	// this position until the close is durable.
	if e.pendingClose != nil {
		e.finalizeExit(e.pendingClose.fill, e.pendingClose.reason)
		if e.pendingClose != nil {
			e.publish(now)
			return
		}
	}

	// Collect a background SELL result, if one arrived.
	select {
	case res := <-e.sellResults:
		e.handleSellResult(res)
	default:
	}

	if !e.session.WithinSession(now) && e.pos == nil {
		e.publish(now)
		return
	}

	tick, haveTick := e.quoteIndex(ctx)
	var closed *candle.Candle
	if haveTick {
		e.lastTick = tick
		if e.metrics != nil {
			e.metrics.Ticks.Inc()
		}
		var err error
		closed, err = e.agg.Apply(tick.At, tick.Price)
		if err != nil {
			e.logger.Printf("ERROR folding tick: %v", err)
		}
	}

	if closed != nil {
		e.onCandleClose(closed)
	}

	exitFired := e.evaluateExits(ctx, now, closed)

	if closed != nil && !exitFired && e.pos == nil {
		e.tryEntry(ctx, now, closed)
	}

	e.publish(now)
}

func (e *Engine) quoteIndex(ctx context.Context) (broker.Tick, bool) {
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	tick, err := e.broker.QuoteIndex(qctx, e.idx.Name)
	if err != nil {
		// A failed quote is a missing tick for this cycle, never synthesized.
		e.logger.Printf("no index tick this cycle: %v", err)
		if e.metrics != nil {
			e.metrics.MissedTicks.Inc()
		}
		return broker.Tick{}, false
	}
	return tick, true
}

func (e *Engine) onCandleClose(c *candle.Candle) {
	e.lastBoundary = c.BoundaryStart
	e.book.OnCandleClose()
	e.lastSignal = e.st.Apply(*c)
	if e.macd != nil {
		e.macd.Apply(c.Close)
	}
	if e.metrics != nil {
		e.metrics.CandlesClosed.Inc()
		e.metrics.Direction.Set(float64(e.lastSignal.Direction))
	}
	// The active band: price rides above the lower band in an uptrend,
	// below the upper band in a downtrend.
	var stLine float64
	switch e.lastSignal.Direction {
	case indicator.DirectionUp:
		stLine = e.lastSignal.LowerBand
	case indicator.DirectionDown:
		stLine = e.lastSignal.UpperBand
	}
	if err := e.journal.WriteCandle(journal.CandleRow{
		Root:            c.Symbol,
		IntervalSeconds: c.IntervalSeconds,
		BoundaryStart:   c.BoundaryStart,
		Open:            c.Open,
		High:            c.High,
		Low:             c.Low,
		Close:           c.Close,
		Direction:       e.lastSignal.Direction,
		Supertrend:      stLine,
	}); err != nil {
		e.logger.Printf("ERROR journaling candle: %v", err)
	}
}

// evaluateExits runs the exit rules in priority order and executes at most
// one SELL. It reports whether an exit fired this cycle.
func (e *Engine) evaluateExits(ctx context.Context, now time.Time, closed *candle.Candle) bool {
	if e.pos == nil {
		return false
	}

	if e.pos.State == position.StateClosing {
		// SELL already in flight; background polling owns it. At force-flat
		// a fresh SELL goes out only if the slot was cleared by a confirmed
		// rejection, which returns the position to OPEN first.
		return true
	}
	if e.pos.State != position.StateOpen {
		return false
	}

	// Wall-time and manual triggers outrank everything and need no quote.
	if e.session.AtOrAfterForceFlat(now) {
		e.executeExit(ctx, strategy.ReasonForceSquareoff)
		return true
	}
	if e.manualExit {
		e.manualExit = false
		e.executeExit(ctx, strategy.ReasonManual)
		return true
	}

	eval := strategy.NewExitEvaluator(e.cfg)

	if ltp, ok := e.quoteOption(ctx); ok {
		if reason := eval.EvaluateTick(e.pos, e.book, ltp); reason != "" {
			e.executeExit(ctx, reason)
			return true
		}
	}

	if closed != nil {
		if reason := eval.EvaluateReversal(e.pos, e.lastSignal.Direction, now); reason != "" {
			e.executeExit(ctx, reason)
			return true
		}
	}
	return false
}

func (e *Engine) quoteOption(ctx context.Context) (float64, bool) {
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	tick, err := e.broker.QuoteOption(qctx, e.pos.Option)
	if err != nil {
		e.logger.Printf("no option tick this cycle: %v", err)
		if e.metrics != nil {
			e.metrics.MissedTicks.Inc()
		}
		return 0, false
	}
	e.lastOptionLtp = tick.Price
	return tick.Price, true
}

// executeExit submits the SELL and waits for the fill. On timeout the
// position stays CLOSING and polling continues in the background.
func (e *Engine) executeExit(ctx context.Context, reason string) {
	if err := e.pos.TransitionTo(position.StateClosing); err != nil {
		e.logger.Printf("ERROR: %v", err)
		return
	}
	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues(string(broker.ActionSell)).Inc()
	}

	fill, err := e.exec.ExecuteSell(ctx, e.pos, reason)
	if err == nil {
		e.finalizeExit(fill, reason)
		return
	}

	switch {
	case errors.Is(err, orders.ErrFillTimeout):
		e.logger.Printf("SELL for %s still pending past deadline, polling in background", e.pos.ID)
		e.resumeSellPolling(e.pos.ExitOrderID(), reason)
	case errors.Is(err, orders.ErrExitInFlight):
		// Coalesced duplicate; nothing to do.
	default:
		var rej *broker.RejectionError
		if errors.As(err, &rej) {
			// Executor cleared the exit slot; return to OPEN for a retry.
			if terr := e.pos.TransitionTo(position.StateOpen); terr != nil {
				e.logger.Printf("ERROR: %v", terr)
			}
			e.noteAction("sell_rejected", reason)
		} else {
			e.logger.Printf("ERROR placing SELL for %s: %v", e.pos.ID, err)
			if terr := e.pos.TransitionTo(position.StateOpen); terr != nil {
				e.logger.Printf("ERROR: %v", terr)
			}
		}
	}
}

// errSellOrphaned marks a SELL whose status stayed UNKNOWN past the
// absolute polling deadline. The exit slot is released so a fresh SELL
// with a new tag can go out.
var errSellOrphaned = errors.New("sell order unknown past absolute deadline")

// sellPollRounds caps background polling at rounds×FillTimeout before the
// order can be declared orphaned.
const sellPollRounds = 4

// resumeSellPolling keeps polling a timed-out SELL off the loop until it
// reaches a terminal state. An order still PENDING at the broker is polled
// indefinitely; only a confirmed UNKNOWN past the absolute deadline is
// given up on.
func (e *Engine) resumeSellPolling(orderID, reason string) {
	go func() {
		ctx := context.Background()
		for round := 1; ; round++ {
			fill, err := e.exec.AwaitFill(ctx, orderID)
			if err == nil {
				e.sellResults <- sellResult{fill: fill, reason: reason}
				return
			}
			if errors.Is(err, orders.ErrFillTimeout) {
				if round < sellPollRounds {
					continue
				}
				sctx, cancel := context.WithTimeout(ctx, quoteTimeout)
				upd, serr := e.broker.OrderStatus(sctx, orderID)
				cancel()
				if serr == nil && upd.Status == broker.StateUnknown {
					e.sellResults <- sellResult{reason: reason, err: errSellOrphaned}
					return
				}
				continue
			}
			e.sellResults <- sellResult{reason: reason, err: err}
			return
		}
	}()
}

func (e *Engine) handleSellResult(res sellResult) {
	if e.pos == nil || e.pos.State != position.StateClosing {
		return
	}
	if res.err != nil {
		var rej *broker.RejectionError
		if errors.As(res.err, &rej) || errors.Is(res.err, errSellOrphaned) {
			e.logger.Printf("background SELL for %s terminal without fill (%v), retrying next tick", e.pos.ID, res.err)
			e.pos.ClearExit()
			if err := e.pos.TransitionTo(position.StateOpen); err != nil {
				e.logger.Printf("ERROR: %v", err)
			}
			return
		}
		e.logger.Printf("ERROR polling background SELL: %v", res.err)
		return
	}
	e.finalizeExit(res.fill, res.reason)
}

// finalizeExit journals the close, then advances the position to CLOSED
// and books the realized P&L. Publication never gets ahead of the journal:
// a failed write leaves the position CLOSING and is retried next cycle.
func (e *Engine) finalizeExit(fill *orders.Fill, reason string) {
	if err := e.journal.WriteClose(e.pos.ID, fill.At, fill.AvgFillPrice,
		e.pos.UnrealizedPnl(fill.AvgFillPrice), reason); err != nil {
		e.logger.Printf("ERROR journaling close for %s (will retry): %v", e.pos.ID, err)
		e.pendingClose = &pendingClose{fill: fill, reason: reason}
		return
	}
	e.pendingClose = nil

	if err := e.pos.ConfirmExit(fill.AvgFillPrice, fill.At); err != nil {
		e.logger.Printf("ERROR: %v", err)
		return
	}
	e.book.RecordClose(e.pos.RealizedPnl)
	e.persistDayStats()

	e.logger.Printf("position %s closed: reason=%q exit=%.2f pnl=%.2f",
		e.pos.ID, reason, e.pos.ExitPrice, e.pos.RealizedPnl)
	if e.metrics != nil {
		e.metrics.Exits.WithLabelValues(reason).Inc()
		e.metrics.RealizedPnl.Set(e.book.RealizedPnlToday)
	}
	e.noteAction("exit", reason)
	e.pos = nil
	// A manual request aimed at this position must not fire on the next one.
	e.manualExit = false

	if e.stopAfterFlat {
		e.stopAfterFlat = false
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// tryEntry runs the entry evaluator and, on a decision, resolves the
// contract and executes the BUY.
func (e *Engine) tryEntry(ctx context.Context, now time.Time, closed *candle.Candle) {
	if !e.tradingEnabled {
		return
	}

	eval := strategy.NewEntryEvaluator(e.cfg, e.idx)
	dec, skip := eval.Evaluate(strategy.EntryContext{
		Signal:            e.lastSignal,
		Macd:              e.macd,
		SpotAtClose:       closed.Close,
		WithinEntryWindow: e.session.WithinEntryWindow(now) && !e.session.AtOrAfterForceFlat(now),
		PositionIdle:      true,
	}, e.book)
	if dec == nil {
		if e.lastSignal.Flipped {
			e.logger.Printf("flip at %s not traded: %s",
				e.lastSignal.FlippedAt.Format("15:04:05"), skip)
			e.skippedEntry(skip)
		}
		return
	}

	rctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	opt, err := e.broker.ResolveOption(rctx, e.idx.Name, closed.Close, dec.Side)
	cancel()
	if err != nil {
		var re *broker.ResolveError
		if errors.As(err, &re) {
			e.logger.Printf("no contract for %s %d %s, skipping entry", e.idx.Name, dec.Strike, dec.Side)
		} else {
			e.logger.Printf("ERROR resolving option: %v", err)
		}
		e.skippedEntry("resolve failed")
		return
	}

	if e.metrics != nil {
		e.metrics.OrdersPlaced.WithLabelValues(string(broker.ActionBuy)).Inc()
	}
	fill, err := e.exec.ExecuteBuy(ctx, opt, dec.Qty)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrFillTimeout):
			// No local fill is fabricated; the attempt is abandoned.
			if nerr := e.journal.WriteNote(now, "skipped_entry",
				fmt.Sprintf("BUY %s %d %s qty=%d abandoned on fill timeout", opt.Root, opt.Strike, opt.Side, dec.Qty)); nerr != nil {
				e.logger.Printf("ERROR journaling skipped entry: %v", nerr)
			}
			e.skippedEntry("fill timeout")
		default:
			var rej *broker.RejectionError
			if errors.As(err, &rej) {
				e.noteAction("buy_rejected", rej.Reason)
				e.skippedEntry("rejected")
			} else {
				e.logger.Printf("ERROR placing BUY: %v", err)
				e.skippedEntry("place failed")
			}
		}
		return
	}

	pos := position.New(journal.NewTradeID(), e.cfg.StrategyID, opt, dec.Lots, dec.Qty, fill.OrderID)
	if err := pos.ConfirmFill(fill.AvgFillPrice, fill.At, e.cfg.InitialStopPoints, e.cfg.TargetPoints); err != nil {
		e.logger.Printf("ERROR: %v", err)
		return
	}
	// Seed the option mark from the fill so the first published unrealized
	// P&L is zero, not -entry; the next option quote replaces it.
	e.lastOptionLtp = fill.AvgFillPrice

	// Journal commit precedes any external publication of the OPEN state.
	rec := journal.TradeRecord{
		TradeID:    pos.ID,
		StrategyID: e.cfg.StrategyID,
		Root:       opt.Root,
		Side:       string(opt.Side),
		Strike:     opt.Strike,
		Expiry:     opt.Expiry.Format("2006-01-02"),
		Qty:        dec.Qty,
		Mode:       e.mode,
		OpenAt:     fill.At,
		EntryPrice: fill.AvgFillPrice,
	}
	if err := e.journal.WriteOpen(rec); err != nil {
		e.logger.Printf("ERROR journaling open for %s: %v", pos.ID, err)
	}

	e.pos = pos
	e.book.RecordEntryFill()
	e.persistDayStats()
	e.logger.Printf("position %s opened: %s %d %s qty=%d entry=%.2f",
		pos.ID, opt.Root, opt.Strike, opt.Side, dec.Qty, fill.AvgFillPrice)
	e.noteAction("entry", fmt.Sprintf("%s %d %s", opt.Root, opt.Strike, opt.Side))
}

func (e *Engine) skippedEntry(cause string) {
	if e.metrics != nil {
		e.metrics.SkippedEntry.WithLabelValues(cause).Inc()
	}
}

func (e *Engine) persistDayStats() {
	if err := e.journal.UpsertDayStats(journal.DayStats{
		DateIST:          e.book.Day,
		RealizedPnl:      e.book.RealizedPnlToday,
		TradesTaken:      e.book.TradesTakenToday,
		DailyLossTripped: e.book.DailyLossTripped,
	}); err != nil {
		e.logger.Printf("ERROR persisting day stats: %v", err)
	}
}

func (e *Engine) noteAction(kind, reason string) {
	e.lastAction = &ActionNote{Kind: kind, At: e.clock.Now().UTC(), Reason: reason}
}

// publish emits a snapshot built under the engine mutex.
func (e *Engine) publish(now time.Time) {
	e.broadcaster.Publish(e.snapshotLocked(now))
}

func (e *Engine) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		StrategyID:         e.cfg.StrategyID,
		Mode:               e.mode,
		Running:            e.running,
		TradingEnabled:     e.tradingEnabled,
		At:                 now.UTC(),
		LastTickAt:         e.lastTick.At,
		LastTickPrice:      e.lastTick.Price,
		LastCandleBoundary: e.lastBoundary,
		Indicator: IndicatorSnapshot{
			Ready:     e.lastSignal.Ready,
			Direction: e.lastSignal.Direction,
			FlippedAt: e.lastSignal.FlippedAt,
		},
		RiskBook: RiskBookSnapshot{
			Day:              e.book.Day,
			RealizedPnlToday: e.book.RealizedPnlToday,
			TradesTakenToday: e.book.TradesTakenToday,
			DailyLossTripped: e.book.DailyLossTripped,
		},
		LastAction: e.lastAction,
	}
	if e.pos != nil {
		s.Position = &PositionSnapshot{
			TradeID:       e.pos.ID,
			State:         string(e.pos.State),
			Side:          string(e.pos.Option.Side),
			Strike:        e.pos.Option.Strike,
			Expiry:        e.pos.Option.Expiry.Format("2006-01-02"),
			EntryPrice:    e.pos.EntryPrice,
			EntryTime:     e.pos.EntryTime,
			Qty:           e.pos.Qty,
			UnrealizedPnl: e.pos.UnrealizedPnl(e.lastOptionLtp),
			InitialStop:   e.pos.InitialStopPrice,
			Target:        e.pos.TargetPrice,
			TrailingStop:  e.pos.TrailingStop,
			HighWaterMark: e.pos.HighWaterMark,
		}
	}
	return s
}
