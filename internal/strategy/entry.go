package strategy

import (
	"math"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/indicator"
	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/position"
)

// EntryContext carries everything the entry evaluator needs for one
// candle-close decision.
type EntryContext struct {
	Signal            indicator.Signal
	Macd              *indicator.MACD // nil unless use_macd
	SpotAtClose       float64
	WithinEntryWindow bool
	PositionIdle      bool // no position in OPENING, OPEN, or CLOSING
}

// EntryDecision is a fully sized entry candidate ready for the executor.
type EntryDecision struct {
	Side   broker.Side
	Strike int
	Lots   int
	Qty    int
}

// EntryEvaluator gates and sizes new entries on candle close. Entries are
// flip-only: the direction must have changed at the just-closed boundary.
type EntryEvaluator struct {
	cfg *config.EngineConfig
	idx market.Index
}

func NewEntryEvaluator(cfg *config.EngineConfig, idx market.Index) *EntryEvaluator {
	return &EntryEvaluator{cfg: cfg, idx: idx}
}

// Evaluate returns an entry decision, or nil with a skip reason.
func (e *EntryEvaluator) Evaluate(ctx EntryContext, book *position.RiskBook) (*EntryDecision, string) {
	if !ctx.PositionIdle {
		return nil, "position not idle"
	}
	if !ctx.WithinEntryWindow {
		return nil, "outside entry window"
	}
	if book.DailyLossTripped {
		return nil, "daily loss cap tripped"
	}
	if book.TradesTakenToday >= e.cfg.MaxTradesPerDay {
		return nil, "daily trade cap reached"
	}
	if !book.GapSatisfied(e.cfg.MinGapCandles) {
		return nil, "gap since last exit too short"
	}
	if !ctx.Signal.Ready {
		return nil, "indicator warming up"
	}
	if !ctx.Signal.Flipped || !ctx.Signal.FlippedAt.Equal(ctx.Signal.CloseBound) {
		return nil, "no direction flip at this boundary"
	}

	var side broker.Side
	switch ctx.Signal.Direction {
	case indicator.DirectionUp:
		side = broker.SideCall
	case indicator.DirectionDown:
		side = broker.SidePut
	default:
		return nil, "no direction"
	}

	if e.cfg.UseMacd {
		if ctx.Macd == nil || !ctx.Macd.Confirms(ctx.Signal.Direction) {
			return nil, "macd does not confirm"
		}
	}

	lots := e.cfg.Lots
	if e.cfg.RiskPerTradeRupees > 0 {
		sized := int(math.Floor(e.cfg.RiskPerTradeRupees /
			(e.cfg.InitialStopPoints * float64(e.idx.LotSize))))
		if sized < 1 {
			sized = 1
		}
		lots = sized
	}

	return &EntryDecision{
		Side:   side,
		Strike: e.idx.ATMStrike(ctx.SpotAtClose),
		Lots:   lots,
		Qty:    lots * e.idx.LotSize,
	}, ""
}
