// Package candle aggregates price ticks into fixed-interval OHLC candles.
package candle

import (
	"fmt"
	"time"
)

// Candle is one fixed-interval OHLC bar. Closed candles are immutable.
type Candle struct {
	Symbol          string    `json:"symbol"`
	IntervalSeconds int       `json:"interval_seconds"`
	BoundaryStart   time.Time `json:"boundary_start"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Closed          bool      `json:"closed"`
}

// Boundary floors t to the start of its interval bucket.
func Boundary(t time.Time, intervalSeconds int) time.Time {
	sec := t.Unix()
	iv := int64(intervalSeconds)
	return time.Unix(sec/iv*iv, 0).UTC()
}

// Aggregator folds ticks for one instrument into interval candles. It emits
// closed candles strictly in boundary order and never interpolates across
// missing periods. Single-writer: owned by the engine loop.
type Aggregator struct {
	symbol          string
	intervalSeconds int
	current         *Candle
	lastClosed      time.Time
}

// NewAggregator creates an aggregator. On engine start any partial candle
// is gone by construction; accumulation begins with the first tick.
func NewAggregator(symbol string, intervalSeconds int) (*Aggregator, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %d", intervalSeconds)
	}
	return &Aggregator{symbol: symbol, intervalSeconds: intervalSeconds}, nil
}

// Apply folds one tick. It returns the candle that closed at this tick's
// boundary transition, or nil when the in-progress candle simply extended.
// Ticks that would reopen an already-closed boundary are refused.
func (a *Aggregator) Apply(at time.Time, price float64) (*Candle, error) {
	boundary := Boundary(at, a.intervalSeconds)

	if !a.lastClosed.IsZero() && !boundary.After(a.lastClosed) {
		return nil, fmt.Errorf("tick at %s falls inside closed boundary %s",
			at.UTC().Format(time.RFC3339), a.lastClosed.Format(time.RFC3339))
	}

	if a.current == nil {
		a.current = a.newCandle(boundary, price)
		return nil, nil
	}

	if boundary.Equal(a.current.BoundaryStart) {
		if price > a.current.High {
			a.current.High = price
		}
		if price < a.current.Low {
			a.current.Low = price
		}
		a.current.Close = price
		return nil, nil
	}

	if boundary.Before(a.current.BoundaryStart) {
		return nil, fmt.Errorf("tick at %s precedes open boundary %s",
			at.UTC().Format(time.RFC3339), a.current.BoundaryStart.Format(time.RFC3339))
	}

	closed := *a.current
	closed.Closed = true
	a.lastClosed = closed.BoundaryStart
	a.current = a.newCandle(boundary, price)
	return &closed, nil
}

func (a *Aggregator) newCandle(boundary time.Time, price float64) *Candle {
	return &Candle{
		Symbol:          a.symbol,
		IntervalSeconds: a.intervalSeconds,
		BoundaryStart:   boundary,
		Open:            price,
		High:            price,
		Low:             price,
		Close:           price,
	}
}

// Current returns a copy of the in-progress candle, or nil before the
// first tick.
func (a *Aggregator) Current() *Candle {
	if a.current == nil {
		return nil
	}
	c := *a.current
	return &c
}

// Reset discards the in-progress candle and boundary history, e.g. at the
// session-day rollover.
func (a *Aggregator) Reset() {
	a.current = nil
	a.lastClosed = time.Time{}
}
