package indicator

import "fmt"

type ema struct {
	period int
	mult   float64
	value  float64
	seeded bool
}

func newEMA(period int) ema {
	return ema{period: period, mult: 2.0 / float64(period+1)}
}

func (e *ema) apply(v float64) float64 {
	if !e.seeded {
		e.value = v
		e.seeded = true
		return e.value
	}
	e.value = (v-e.value)*e.mult + e.value
	return e.value
}

// MACD is a streaming MACD(fast, slow, signal) over candle closes. It is
// used only as an entry confirmation filter.
type MACD struct {
	fast   ema
	slow   ema
	signal ema
	count  int
	warmup int
	macd   float64
	sigVal float64
}

// NewMACD creates a MACD calculator.
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) (*MACD, error) {
	if fastPeriod < 1 || slowPeriod < 1 || signalPeriod < 1 {
		return nil, fmt.Errorf("macd periods must be >= 1, got %d/%d/%d", fastPeriod, slowPeriod, signalPeriod)
	}
	if fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("macd fast period %d must be below slow period %d", fastPeriod, slowPeriod)
	}
	return &MACD{
		fast:   newEMA(fastPeriod),
		slow:   newEMA(slowPeriod),
		signal: newEMA(signalPeriod),
		warmup: slowPeriod + signalPeriod,
	}, nil
}

// Apply folds one close price.
func (m *MACD) Apply(closePrice float64) {
	m.count++
	m.macd = m.fast.apply(closePrice) - m.slow.apply(closePrice)
	m.sigVal = m.signal.apply(m.macd)
}

// Ready reports whether enough closes have been seen to trust the histogram.
func (m *MACD) Ready() bool { return m.count >= m.warmup }

// Histogram returns macdLine - signalLine.
func (m *MACD) Histogram() float64 { return m.macd - m.sigVal }

// Confirms reports whether the histogram sign agrees with the candidate
// trade direction (+1 long premium on calls, -1 on puts).
func (m *MACD) Confirms(direction int) bool {
	if !m.Ready() {
		return false
	}
	h := m.Histogram()
	return (direction == DirectionUp && h > 0) || (direction == DirectionDown && h < 0)
}

// Reset clears all state for a fresh session.
func (m *MACD) Reset() {
	fast, slow, sig := m.fast.period, m.slow.period, m.signal.period
	*m = MACD{
		fast:   newEMA(fast),
		slow:   newEMA(slow),
		signal: newEMA(sig),
		warmup: slow + sig,
	}
}
