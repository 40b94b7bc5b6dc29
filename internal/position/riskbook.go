package position

// RiskBook is the per-session-day risk ledger. It resets when the session
// day changes and gates entries for the rest of the day once the daily
// loss cap trips.
type RiskBook struct {
	Day              string
	RealizedPnlToday float64
	TradesTakenToday int
	DailyLossTripped bool

	// Candle closes observed since the last exit; -1 means no exit yet
	// this day, which never blocks the gap gate.
	candlesSinceExit int
}

// NewRiskBook creates a ledger for the given session day.
func NewRiskBook(day string) *RiskBook {
	return &RiskBook{Day: day, candlesSinceExit: -1}
}

// EnsureDay resets the ledger when the session day rolls over. It reports
// whether a reset happened.
func (r *RiskBook) EnsureDay(day string) bool {
	if day == r.Day {
		return false
	}
	*r = RiskBook{Day: day, candlesSinceExit: -1}
	return true
}

// RecordEntryFill counts a confirmed BUY fill against the daily trade cap.
func (r *RiskBook) RecordEntryFill() {
	r.TradesTakenToday++
}

// RecordClose books realized P&L and restarts the gap counter.
func (r *RiskBook) RecordClose(realizedPnl float64) {
	r.RealizedPnlToday += realizedPnl
	r.candlesSinceExit = 0
}

// TripDailyLoss latches the daily loss cap for the rest of the day.
func (r *RiskBook) TripDailyLoss() {
	r.DailyLossTripped = true
}

// OnCandleClose advances the gap counter.
func (r *RiskBook) OnCandleClose() {
	if r.candlesSinceExit >= 0 {
		r.candlesSinceExit++
	}
}

// GapSatisfied reports whether enough candles have closed since the last
// exit to allow a new entry.
func (r *RiskBook) GapSatisfied(minGapCandles int) bool {
	if r.candlesSinceExit < 0 {
		return true
	}
	return r.candlesSinceExit >= minGapCandles
}

// CandlesSinceExit exposes the gap counter; -1 means no exit yet today.
func (r *RiskBook) CandlesSinceExit() int { return r.candlesSinceExit }
