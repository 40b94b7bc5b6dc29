// Package position holds the trade position lifecycle and the per-day risk
// ledger.
package position

import (
	"fmt"
	"time"

	"github.com/ashwinkm/trendflip/internal/broker"
)

// State is the position lifecycle state.
type State string

const (
	StateOpening State = "OPENING" // BUY submitted, fill unconfirmed
	StateOpen    State = "OPEN"    // BUY filled, risk anchors armed
	StateClosing State = "CLOSING" // SELL submitted, fill unconfirmed
	StateClosed  State = "CLOSED"  // SELL filled, terminal
)

// ValidTransitions defines the allowed lifecycle edges. OPENING can abort
// straight to CLOSED when the BUY is rejected or abandoned on timeout;
// CLOSING returns to OPEN when the SELL is rejected and the exit slot is
// released for a retry.
var ValidTransitions = map[State][]State{
	StateOpening: {StateOpen, StateClosed},
	StateOpen:    {StateClosing},
	StateClosing: {StateClosed, StateOpen},
	StateClosed:  {},
}

// Position is one long option position. It is owned by the engine loop;
// only the loop mutates it.
type Position struct {
	ID         string
	StrategyID string
	Option     broker.OptionRef
	Lots       int
	Qty        int

	State        State
	EntryOrderID string
	EntryPrice   float64
	EntryTime    time.Time

	// Risk anchors, armed at fill. Zero means the rule is disabled or,
	// for the trail pair, not yet started.
	InitialStopPrice float64
	TargetPrice      float64
	TrailingStop     float64
	HighWaterMark    float64

	// Exit bookkeeping. exitOrderID is single-assignment: once set, every
	// further exit request is a no-op.
	exitOrderID string
	ExitReason  string
	ExitPrice   float64
	ExitTime    time.Time
	RealizedPnl float64
}

// New creates a position in OPENING with the BUY order outstanding.
func New(id, strategyID string, opt broker.OptionRef, lots, qty int, entryOrderID string) *Position {
	return &Position{
		ID:           id,
		StrategyID:   strategyID,
		Option:       opt,
		Lots:         lots,
		Qty:          qty,
		State:        StateOpening,
		EntryOrderID: entryOrderID,
	}
}

// TransitionTo moves the position along a valid lifecycle edge.
func (p *Position) TransitionTo(next State) error {
	for _, allowed := range ValidTransitions[p.State] {
		if allowed == next {
			p.State = next
			return nil
		}
	}
	return fmt.Errorf("invalid position transition %s -> %s", p.State, next)
}

// ConfirmFill arms the risk anchors and moves OPENING -> OPEN. Point-based
// anchors with a zero config value stay disarmed.
func (p *Position) ConfirmFill(fillPrice float64, at time.Time, initialStopPoints, targetPoints float64) error {
	if err := p.TransitionTo(StateOpen); err != nil {
		return err
	}
	p.EntryPrice = fillPrice
	p.EntryTime = at
	if initialStopPoints > 0 {
		p.InitialStopPrice = fillPrice - initialStopPoints
	}
	if targetPoints > 0 {
		p.TargetPrice = fillPrice + targetPoints
	}
	return nil
}

// RequestExit records the SELL order id. It returns false when an exit is
// already in flight, coalescing duplicate exit requests.
func (p *Position) RequestExit(orderID, reason string) bool {
	if p.exitOrderID != "" {
		return false
	}
	p.exitOrderID = orderID
	p.ExitReason = reason
	return true
}

// ExitInFlight reports whether a SELL has been assigned to this position.
func (p *Position) ExitInFlight() bool { return p.exitOrderID != "" }

// ExitOrderID returns the assigned SELL order id, if any.
func (p *Position) ExitOrderID() string { return p.exitOrderID }

// ClearExit releases the exit slot after a SELL rejection so the evaluator
// can retry.
func (p *Position) ClearExit() {
	p.exitOrderID = ""
	p.ExitReason = ""
}

// ConfirmExit records the SELL fill and moves CLOSING -> CLOSED.
func (p *Position) ConfirmExit(exitPrice float64, at time.Time) error {
	if err := p.TransitionTo(StateClosed); err != nil {
		return err
	}
	p.ExitPrice = exitPrice
	p.ExitTime = at
	p.RealizedPnl = (exitPrice - p.EntryPrice) * float64(p.Qty)
	return nil
}

// UnrealizedPnl values the open position against the given option price.
func (p *Position) UnrealizedPnl(optionPrice float64) float64 {
	return (optionPrice - p.EntryPrice) * float64(p.Qty)
}

// HoldDuration returns how long the position has been open as of now.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime)
}
