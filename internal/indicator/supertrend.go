// Package indicator computes streaming technical indicators over closed
// candles. State advances only on candle close; intra-candle prices never
// touch indicator state.
package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/ashwinkm/trendflip/internal/candle"
)

// Direction of the prevailing trend.
const (
	DirectionUp   = 1
	DirectionDown = -1
)

// Signal is the SuperTrend output after one closed candle.
type Signal struct {
	Ready      bool
	Direction  int
	Flipped    bool
	FlippedAt  time.Time
	ATR        float64
	UpperBand  float64
	LowerBand  float64
	CloseBound time.Time
}

// SuperTrend is a streaming SuperTrend(period, multiplier) calculator.
// Warm-up is period closed candles; before that no direction is emitted.
// ATR seeds as a simple average of true ranges over the warm-up window and
// follows Wilder's smoothing thereafter. Direction flips at most once per
// closed candle.
type SuperTrend struct {
	period     int
	multiplier float64

	count      int
	trSum      float64
	atr        float64
	prevClose  float64
	finalUpper float64
	finalLower float64
	direction  int
	flippedAt  time.Time
}

// NewSuperTrend creates a SuperTrend calculator.
func NewSuperTrend(period int, multiplier float64) (*SuperTrend, error) {
	if period < 1 {
		return nil, fmt.Errorf("supertrend period must be >= 1, got %d", period)
	}
	if multiplier <= 0 {
		return nil, fmt.Errorf("supertrend multiplier must be positive, got %v", multiplier)
	}
	return &SuperTrend{period: period, multiplier: multiplier}, nil
}

// Apply folds one closed candle and returns the updated signal.
func (s *SuperTrend) Apply(c candle.Candle) Signal {
	tr := c.High - c.Low
	if s.count > 0 {
		tr = math.Max(tr, math.Max(
			math.Abs(c.High-s.prevClose),
			math.Abs(c.Low-s.prevClose),
		))
	}
	s.count++

	if s.count < s.period {
		s.trSum += tr
		s.prevClose = c.Close
		return Signal{CloseBound: c.BoundaryStart}
	}

	if s.count == s.period {
		s.trSum += tr
		s.atr = s.trSum / float64(s.period)
	} else {
		s.atr = (s.atr*float64(s.period-1) + tr) / float64(s.period)
	}

	hl2 := (c.High + c.Low) / 2
	basicUpper := hl2 + s.multiplier*s.atr
	basicLower := hl2 - s.multiplier*s.atr

	if s.direction == 0 {
		// First post-warm-up candle: no band carry yet.
		s.finalUpper = basicUpper
		s.finalLower = basicLower
		if c.Close >= s.finalUpper {
			s.direction = DirectionUp
		} else {
			s.direction = DirectionDown
		}
		s.flippedAt = c.BoundaryStart
		s.prevClose = c.Close
		return s.signal(c.BoundaryStart, true)
	}

	prevUpper, prevLower, prevClose := s.finalUpper, s.finalLower, s.prevClose

	if basicUpper < prevUpper || prevClose > prevUpper {
		s.finalUpper = basicUpper
	}
	if basicLower > prevLower || prevClose < prevLower {
		s.finalLower = basicLower
	}

	flipped := false
	switch {
	case s.direction == DirectionUp && c.Close < s.finalLower:
		s.direction = DirectionDown
		flipped = true
	case s.direction == DirectionDown && c.Close > s.finalUpper:
		s.direction = DirectionUp
		flipped = true
	}
	if flipped {
		s.flippedAt = c.BoundaryStart
	}

	s.prevClose = c.Close
	return s.signal(c.BoundaryStart, flipped)
}

func (s *SuperTrend) signal(boundary time.Time, flipped bool) Signal {
	return Signal{
		Ready:      true,
		Direction:  s.direction,
		Flipped:    flipped,
		FlippedAt:  s.flippedAt,
		ATR:        s.atr,
		UpperBand:  s.finalUpper,
		LowerBand:  s.finalLower,
		CloseBound: boundary,
	}
}

// Direction returns the current trend direction, or 0 before warm-up.
func (s *SuperTrend) Direction() int { return s.direction }

// LastFlipBoundary returns the boundary at which direction last flipped.
func (s *SuperTrend) LastFlipBoundary() time.Time { return s.flippedAt }

// Reset clears all state for a fresh session.
func (s *SuperTrend) Reset() {
	s.count = 0
	s.trSum = 0
	s.atr = 0
	s.prevClose = 0
	s.finalUpper = 0
	s.finalLower = 0
	s.direction = 0
	s.flippedAt = time.Time{}
}
