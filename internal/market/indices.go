package market

import (
	"fmt"
	"math"
	"time"
)

// OptionTick is the minimum premium increment for NSE/BSE index options.
const OptionTick = 0.05

// Index describes a tradable index and its option contract parameters.
// Immutable per session.
type Index struct {
	Name       string
	LotSize    int
	StrikeStep int
	// ExpiryWeekday is the weekly expiry day used when the broker cannot
	// supply the expiry list.
	ExpiryWeekday time.Weekday
}

var catalog = map[string]Index{
	"NIFTY":     {Name: "NIFTY", LotSize: 50, StrikeStep: 50, ExpiryWeekday: time.Thursday},
	"BANKNIFTY": {Name: "BANKNIFTY", LotSize: 15, StrikeStep: 100, ExpiryWeekday: time.Wednesday},
	"FINNIFTY":  {Name: "FINNIFTY", LotSize: 40, StrikeStep: 50, ExpiryWeekday: time.Tuesday},
	"SENSEX":    {Name: "SENSEX", LotSize: 10, StrikeStep: 100, ExpiryWeekday: time.Friday},
}

// LookupIndex returns the contract parameters for a supported index root.
func LookupIndex(name string) (Index, error) {
	idx, ok := catalog[name]
	if !ok {
		return Index{}, fmt.Errorf("unsupported index %q", name)
	}
	return idx, nil
}

// SupportedIndices lists the roots the engine can trade.
func SupportedIndices() []string {
	return []string{"NIFTY", "BANKNIFTY", "FINNIFTY", "SENSEX"}
}

// ATMStrike rounds spot to the nearest strike for this index.
func (i Index) ATMStrike(spot float64) int {
	if i.StrikeStep <= 0 {
		return int(math.Round(spot))
	}
	return int(math.Round(spot/float64(i.StrikeStep))) * i.StrikeStep
}

// NextExpiry computes the nearest weekly expiry date on or after nowIST.
// An expiry falling today counts only before the 15:00 IST contract close;
// afterwards it rolls to next week.
func (i Index) NextExpiry(nowIST time.Time) time.Time {
	days := (int(i.ExpiryWeekday) - int(nowIST.Weekday()) + 7) % 7
	if days == 0 && nowIST.Hour() >= 15 {
		days = 7
	}
	d := nowIST.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, nowIST.Location())
}
