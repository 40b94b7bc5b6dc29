// Package orders provides order execution with fill confirmation for the
// trading engine. It owns the single-BUY / single-SELL guarantees; the
// engine never talks to the broker's order API directly.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/position"
	"github.com/ashwinkm/trendflip/internal/retry"
)

// ErrFillTimeout reports an order still PENDING or UNKNOWN past the fill
// deadline. No local fill is ever fabricated: a timed-out BUY is abandoned,
// a timed-out SELL leaves the position CLOSING with polling resumed later.
var ErrFillTimeout = errors.New("order fill deadline exceeded")

// ErrExitInFlight reports a coalesced duplicate exit request.
var ErrExitInFlight = errors.New("exit order already in flight")

// Config contains timing for order placement and fill polling.
type Config struct {
	PollInterval time.Duration
	FillTimeout  time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig is the default executor configuration.
var DefaultConfig = Config{
	PollInterval: 500 * time.Millisecond,
	FillTimeout:  15 * time.Second,
	CallTimeout:  5 * time.Second,
}

// Fill is a confirmed order fill.
type Fill struct {
	OrderID      string
	AvgFillPrice float64
	FilledQty    int
	At           time.Time
}

// Executor places market orders and polls them to a terminal state.
type Executor struct {
	broker     broker.Broker
	logger     *log.Logger
	clock      market.Clock
	retrier    *retry.Runner
	config     Config
	strategyID string
	seq        atomic.Int64
}

// NewExecutor creates an executor for one strategy instance.
func NewExecutor(b broker.Broker, strategyID string, logger *log.Logger, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if b == nil {
		panic("orders.NewExecutor: broker must not be nil")
	}

	return &Executor{
		broker:     b,
		logger:     logger,
		clock:      market.RealClock{},
		retrier:    retry.NewRunner(logger),
		config:     cfg,
		strategyID: strategyID,
	}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(c market.Clock) *Executor {
	if c != nil {
		e.clock = c
	}
	return e
}

// nextTag mints an idempotency tag for one order intent. The tag is stable
// across placement retries within that intent.
func (e *Executor) nextTag(intent string) string {
	return fmt.Sprintf("%s-%s-%d", e.strategyID, intent, e.seq.Add(1))
}

// ExecuteBuy places a BUY and waits for the fill. On rejection or timeout
// no position exists; the caller records a skipped entry.
func (e *Executor) ExecuteBuy(ctx context.Context, opt broker.OptionRef, qty int) (*Fill, error) {
	tag := e.nextTag("entry")

	orderID, err := e.place(ctx, broker.MarketOrder{
		Option: opt, Action: broker.ActionBuy, Qty: qty, ClientTag: tag,
	})
	if err != nil {
		return nil, fmt.Errorf("placing BUY %s %d %s: %w", opt.Root, opt.Strike, opt.Side, err)
	}
	e.logger.Printf("BUY placed: order=%s %s %d%s qty=%d tag=%s",
		orderID, opt.Root, opt.Strike, opt.Side, qty, tag)

	fill, err := e.AwaitFill(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrFillTimeout) {
			e.logger.Printf("BUY %s not filled within %v, abandoning entry", orderID, e.config.FillTimeout)
		}
		return nil, err
	}
	return fill, nil
}

// ExecuteSell places the SELL for an open position. The position's exit
// slot is single-assignment: a second call while an exit is in flight
// returns ErrExitInFlight without touching the broker. On rejection the
// slot is cleared so the evaluator can retry; on timeout the slot is kept
// and the position stays CLOSING.
func (e *Executor) ExecuteSell(ctx context.Context, pos *position.Position, reason string) (*Fill, error) {
	if pos.ExitInFlight() {
		return nil, ErrExitInFlight
	}

	tag := e.nextTag("exit")
	orderID, err := e.place(ctx, broker.MarketOrder{
		Option: pos.Option, Action: broker.ActionSell, Qty: pos.Qty, ClientTag: tag,
	})
	if err != nil {
		return nil, fmt.Errorf("placing SELL for position %s: %w", pos.ID, err)
	}

	if !pos.RequestExit(orderID, reason) {
		// Unreachable under the single-writer loop; refuse rather than
		// track a second SELL.
		e.logger.Printf("ERROR: exit slot taken after SELL %s placed for position %s", orderID, pos.ID)
		return nil, ErrExitInFlight
	}
	e.logger.Printf("SELL placed: order=%s position=%s qty=%d reason=%q tag=%s",
		orderID, pos.ID, pos.Qty, reason, tag)

	fill, err := e.AwaitFill(ctx, orderID)
	if err != nil {
		var rej *broker.RejectionError
		if errors.As(err, &rej) {
			e.logger.Printf("SELL %s rejected (%s), clearing exit slot for retry", orderID, rej.Reason)
			pos.ClearExit()
		}
		return nil, err
	}
	return fill, nil
}

// place submits the order, retrying transient failures with the same
// idempotency tag.
func (e *Executor) place(ctx context.Context, ord broker.MarketOrder) (string, error) {
	var orderID string
	err := e.retrier.Do(ctx, fmt.Sprintf("place %s", ord.Action), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
		id, err := e.broker.PlaceMarketOrder(callCtx, ord)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// AwaitFill polls the order until FILLED, REJECTED, or the fill deadline.
// It is also used to resume polling a CLOSING position's SELL after a
// previous timeout.
func (e *Executor) AwaitFill(ctx context.Context, orderID string) (*Fill, error) {
	deadline := time.NewTimer(e.config.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting fill of %s: %w", orderID, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("order %s: %w", orderID, ErrFillTimeout)
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
			upd, err := e.broker.OrderStatus(callCtx, orderID)
			cancel()
			if err != nil {
				e.logger.Printf("order status %s: %v", orderID, err)
				continue
			}

			switch upd.Status {
			case broker.StateFilled:
				return &Fill{
					OrderID:      orderID,
					AvgFillPrice: upd.AvgFillPrice,
					FilledQty:    upd.FilledQty,
					At:           e.clock.Now().UTC(),
				}, nil
			case broker.StateRejected:
				return nil, &broker.RejectionError{OrderID: orderID, Reason: "rejected during polling"}
			case broker.StatePending, broker.StateUnknown:
				continue
			}
		}
	}
}
