// Package strategy holds the entry and exit decision logic. Evaluators are
// pure over their inputs except for the trailing-stop anchors, which they
// advance on the position; order placement belongs to the executor.
package strategy

import (
	"time"

	"github.com/ashwinkm/trendflip/internal/broker"
	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/indicator"
	"github.com/ashwinkm/trendflip/internal/position"
)

// Exit reasons, journaled verbatim.
const (
	ReasonDailyMaxLoss   = "Daily Max Loss"
	ReasonMaxLossTrade   = "Max Loss Per Trade"
	ReasonInitialSL      = "Initial SL"
	ReasonTarget         = "Target"
	ReasonTrailSL        = "Trail SL"
	ReasonReversal       = "Reversal"
	ReasonForceSquareoff = "Force Squareoff"
	ReasonManual         = "Manual"
)

// ExitEvaluator applies the exit rules in fixed priority order. Tick rules
// (loss caps, stops, target, trail) outrank the candle-close reversal rule;
// force-flat is handled by the engine on wall time and outranks everything.
type ExitEvaluator struct {
	cfg *config.EngineConfig
}

func NewExitEvaluator(cfg *config.EngineConfig) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg}
}

// EvaluateTick checks the tick-level rules against the option LTP and
// returns the exit reason for the highest-priority rule that fired, or ""
// when none did. It advances the trailing anchors on the position as a
// side effect.
func (e *ExitEvaluator) EvaluateTick(pos *position.Position, book *position.RiskBook, ltp float64) string {
	if pos == nil || pos.State != position.StateOpen {
		return ""
	}
	unrealized := pos.UnrealizedPnl(ltp)

	if e.cfg.DailyMaxLossRupees > 0 &&
		book.RealizedPnlToday+unrealized <= -e.cfg.DailyMaxLossRupees {
		book.TripDailyLoss()
		return ReasonDailyMaxLoss
	}

	if e.cfg.MaxLossPerTradeRupees > 0 && unrealized <= -e.cfg.MaxLossPerTradeRupees {
		return ReasonMaxLossTrade
	}

	if e.cfg.InitialStopPoints > 0 && ltp <= pos.EntryPrice-e.cfg.InitialStopPoints {
		return ReasonInitialSL
	}

	if e.cfg.TargetPoints > 0 && ltp >= pos.EntryPrice+e.cfg.TargetPoints {
		return ReasonTarget
	}

	if e.cfg.TrailStartPoints > 0 && e.cfg.TrailStepPoints > 0 {
		if pos.HighWaterMark == 0 {
			if ltp-pos.EntryPrice >= e.cfg.TrailStartPoints {
				pos.TrailingStop = ltp - e.cfg.TrailStepPoints
				pos.HighWaterMark = ltp
			}
		} else if ltp > pos.HighWaterMark {
			pos.HighWaterMark = ltp
			if stop := ltp - e.cfg.TrailStepPoints; stop > pos.TrailingStop {
				pos.TrailingStop = stop
			}
		}
		if pos.TrailingStop > 0 && ltp <= pos.TrailingStop {
			return ReasonTrailSL
		}
	}

	return ""
}

// EvaluateReversal checks the candle-close reversal rule: the held side
// against the new direction, gated by the minimum hold time.
func (e *ExitEvaluator) EvaluateReversal(pos *position.Position, direction int, now time.Time) string {
	if pos == nil || pos.State != position.StateOpen {
		return ""
	}

	against := (pos.Option.Side == broker.SideCall && direction == indicator.DirectionDown) ||
		(pos.Option.Side == broker.SidePut && direction == indicator.DirectionUp)
	if !against {
		return ""
	}

	minHold := time.Duration(e.cfg.MinHoldSeconds) * time.Second
	if pos.HoldDuration(now) < minHold {
		return ""
	}
	return ReasonReversal
}
