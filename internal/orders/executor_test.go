package orders

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/position"
)

// scriptBroker scripts placement errors and a status sequence.
type scriptBroker struct {
	mu        sync.Mutex
	placeErrs []error
	placed    []broker.MarketOrder
	statuses  []broker.OrderUpdate
	statusIdx int
}

var _ broker.Broker = (*scriptBroker)(nil)

func (s *scriptBroker) ResolveOption(context.Context, string, float64, broker.Side) (broker.OptionRef, error) {
	return broker.OptionRef{}, errors.New("not scripted")
}

func (s *scriptBroker) QuoteIndex(context.Context, string) (broker.Tick, error) {
	return broker.Tick{}, errors.New("not scripted")
}

func (s *scriptBroker) QuoteOption(context.Context, broker.OptionRef) (broker.Tick, error) {
	return broker.Tick{}, errors.New("not scripted")
}

func (s *scriptBroker) PlaceMarketOrder(_ context.Context, ord broker.MarketOrder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, ord)
	if len(s.placeErrs) > 0 {
		err := s.placeErrs[0]
		s.placeErrs = s.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ORD-1", nil
}

func (s *scriptBroker) OrderStatus(context.Context, string) (broker.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return broker.OrderUpdate{Status: broker.StatePending}, nil
	}
	upd := s.statuses[s.statusIdx]
	if s.statusIdx < len(s.statuses)-1 {
		s.statusIdx++
	}
	return upd, nil
}

func (s *scriptBroker) sellCount() int {
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

func fastExecutor(b broker.Broker) *Executor {
	return NewExecutor(b, "strat-1", log.New(io.Discard, "", 0), Config{
		PollInterval: time.Millisecond,
		FillTimeout:  50 * time.Millisecond,
		CallTimeout:  10 * time.Millisecond,
	})
}

func testOption() broker.OptionRef {
	return broker.OptionRef{Root: "NIFTY", Strike: 23500, Side: broker.SideCall, SecurityID: "43492"}
}

func openPosition(t *testing.T) *position.Position {
	t.Helper()
	p := position.New("01T", "strat-1", testOption(), 1, 50, "buy-1")
	require.NoError(t, p.ConfirmFill(100, time.Now(), 15, 0))
	require.NoError(t, p.TransitionTo(position.StateClosing))
	return p
}

func TestExecuteBuyFills(t *testing.T) {
	sb := &scriptBroker{statuses: []broker.OrderUpdate{
		{Status: broker.StatePending},
		{Status: broker.StateFilled, AvgFillPrice: 101.5, FilledQty: 50},
	}}
	ex := fastExecutor(sb)

	fill, err := ex.ExecuteBuy(context.Background(), testOption(), 50)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", fill.OrderID)
	assert.Equal(t, 101.5, fill.AvgFillPrice)
	assert.Equal(t, 50, fill.FilledQty)
	assert.False(t, fill.At.IsZero())
}

func TestExecuteBuyTimeoutAbandons(t *testing.T) {
	sb := &scriptBroker{} // forever pending
	ex := fastExecutor(sb)

	_, err := ex.ExecuteBuy(context.Background(), testOption(), 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFillTimeout)
}

func TestExecuteBuyRejected(t *testing.T) {
	sb := &scriptBroker{statuses: []broker.OrderUpdate{{Status: broker.StateRejected}}}
	ex := fastExecutor(sb)

	_, err := ex.ExecuteBuy(context.Background(), testOption(), 50)
	require.Error(t, err)

	var rej *broker.RejectionError
	assert.ErrorAs(t, err, &rej)
}

func TestSingleSellInvariant(t *testing.T) {
	sb := &scriptBroker{statuses: []broker.OrderUpdate{
		{Status: broker.StateFilled, AvgFillPrice: 109, FilledQty: 50},
	}}
	ex := fastExecutor(sb)
	pos := openPosition(t)

	fill, err := ex.ExecuteSell(context.Background(), pos, "Reversal")
	require.NoError(t, err)
	assert.Equal(t, 109.0, fill.AvgFillPrice)

	// A second exit request in the same cycle (manual squareoff alongside
	// reversal) coalesces to a no-op.
	_, err = ex.ExecuteSell(context.Background(), pos, "Manual")
	assert.ErrorIs(t, err, ErrExitInFlight)

	assert.Equal(t, 1, sb.sellCount())
	assert.Equal(t, "Reversal", pos.ExitReason)
}

func TestSellTimeoutKeepsClosing(t *testing.T) {
	sb := &scriptBroker{} // forever pending
	ex := fastExecutor(sb)
	pos := openPosition(t)

	_, err := ex.ExecuteSell(context.Background(), pos, "Target")
	require.ErrorIs(t, err, ErrFillTimeout)

	// Exit slot stays assigned: no second SELL may be placed.
	assert.True(t, pos.ExitInFlight())
	_, err = ex.ExecuteSell(context.Background(), pos, "Target")
	assert.ErrorIs(t, err, ErrExitInFlight)
	assert.Equal(t, 1, sb.sellCount())

	// Background polling resumes on the same order and picks up the fill.
	sb.mu.Lock()
	sb.statuses = []broker.OrderUpdate{{Status: broker.StateFilled, AvgFillPrice: 130, FilledQty: 50}}
	sb.mu.Unlock()

	fill, err := ex.AwaitFill(context.Background(), pos.ExitOrderID())
	require.NoError(t, err)
	assert.Equal(t, 130.0, fill.AvgFillPrice)
}

func TestSellRejectedClearsSlot(t *testing.T) {
	sb := &scriptBroker{statuses: []broker.OrderUpdate{{Status: broker.StateRejected}}}
	ex := fastExecutor(sb)
	pos := openPosition(t)

	_, err := ex.ExecuteSell(context.Background(), pos, "Initial SL")
	require.Error(t, err)
	var rej *broker.RejectionError
	require.ErrorAs(t, err, &rej)

	// Slot cleared: the evaluator may retry on the next tick.
	assert.False(t, pos.ExitInFlight())

	sb.mu.Lock()
	sb.statuses = []broker.OrderUpdate{{Status: broker.StateFilled, AvgFillPrice: 85, FilledQty: 50}}
	sb.statusIdx = 0
	sb.mu.Unlock()

	_, err = ex.ExecuteSell(context.Background(), pos, "Initial SL")
	require.NoError(t, err)
	assert.Equal(t, 2, sb.sellCount())
}

func TestIdempotencyTagStableAcrossRetries(t *testing.T) {
	sb := &scriptBroker{
		placeErrs: []error{
			&broker.TransientError{Op: "place", Err: errors.New("502")},
			&broker.TransientError{Op: "place", Err: errors.New("502")},
		},
		statuses: []broker.OrderUpdate{{Status: broker.StateFilled, AvgFillPrice: 100, FilledQty: 50}},
	}
	ex := fastExecutor(sb)

	_, err := ex.ExecuteBuy(context.Background(), testOption(), 50)
	require.NoError(t, err)

	require.Len(t, sb.placed, 3)
	assert.Equal(t, sb.placed[0].ClientTag, sb.placed[1].ClientTag)
	assert.Equal(t, sb.placed[1].ClientTag, sb.placed[2].ClientTag)

	// A fresh intent mints a fresh tag.
	_, err = ex.ExecuteBuy(context.Background(), testOption(), 50)
	require.NoError(t, err)
	assert.NotEqual(t, sb.placed[0].ClientTag, sb.placed[3].ClientTag)
}
