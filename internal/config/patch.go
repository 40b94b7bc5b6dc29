package config

import "fmt"

// Patch is a partial EngineConfig update. Nil fields are untouched.
type Patch struct {
	IntervalSeconds      *int     `json:"intervalSeconds,omitempty" yaml:"interval_seconds"`
	SupertrendPeriod     *int     `json:"supertrendPeriod,omitempty" yaml:"supertrend_period"`
	SupertrendMultiplier *float64 `json:"supertrendMultiplier,omitempty" yaml:"supertrend_multiplier"`
	UseMacd              *bool    `json:"useMacd,omitempty" yaml:"use_macd"`
	Lots                 *int     `json:"lots,omitempty" yaml:"lots"`
	RiskPerTradeRupees   *float64 `json:"riskPerTradeRupees,omitempty" yaml:"risk_per_trade_rupees"`
	InitialStopPoints    *float64 `json:"initialStopPoints,omitempty" yaml:"initial_stop_points"`
	TargetPoints         *float64 `json:"targetPoints,omitempty" yaml:"target_points"`
	TrailStartPoints     *float64 `json:"trailStartPoints,omitempty" yaml:"trail_start_points"`
	TrailStepPoints      *float64 `json:"trailStepPoints,omitempty" yaml:"trail_step_points"`

	MaxLossPerTradeRupees *float64 `json:"maxLossPerTradeRupees,omitempty" yaml:"max_loss_per_trade_rupees"`
	DailyMaxLossRupees    *float64 `json:"dailyMaxLossRupees,omitempty" yaml:"daily_max_loss_rupees"`
	MaxTradesPerDay       *int     `json:"maxTradesPerDay,omitempty" yaml:"max_trades_per_day"`
}

// runtimeSafe reports whether the patch touches only risk-limit fields that
// tighten the current limits. Tightening a rupee cap means lowering it to a
// still-enabled value, or enabling a previously disabled one.
func (p *Patch) runtimeSafe(cur *EngineConfig) bool {
	if p.IntervalSeconds != nil || p.SupertrendPeriod != nil || p.SupertrendMultiplier != nil ||
		p.UseMacd != nil || p.Lots != nil || p.RiskPerTradeRupees != nil ||
		p.InitialStopPoints != nil || p.TargetPoints != nil ||
		p.TrailStartPoints != nil || p.TrailStepPoints != nil {
		return false
	}
	if p.MaxLossPerTradeRupees != nil && !tightensCap(cur.MaxLossPerTradeRupees, *p.MaxLossPerTradeRupees) {
		return false
	}
	if p.DailyMaxLossRupees != nil && !tightensCap(cur.DailyMaxLossRupees, *p.DailyMaxLossRupees) {
		return false
	}
	if p.MaxTradesPerDay != nil && *p.MaxTradesPerDay > cur.MaxTradesPerDay {
		return false
	}
	return true
}

func tightensCap(old, next float64) bool {
	if next <= 0 {
		return false // disabling a cap is a loosening
	}
	return old <= 0 || next < old
}

// Apply validates and applies the patch. When a position is live
// (positionIdle=false) only runtime-safe tightenings are accepted; the full
// field set is patchable only while idle. The current config is unchanged
// on error.
func (p *Patch) Apply(cur *EngineConfig, positionIdle bool) (*EngineConfig, error) {
	if !positionIdle && !p.runtimeSafe(cur) {
		return nil, fmt.Errorf("patch touches non-runtime-safe fields while a position is live")
	}

	next := *cur
	if p.IntervalSeconds != nil {
		next.IntervalSeconds = *p.IntervalSeconds
	}
	if p.SupertrendPeriod != nil {
		next.SupertrendPeriod = *p.SupertrendPeriod
	}
	if p.SupertrendMultiplier != nil {
		next.SupertrendMultiplier = *p.SupertrendMultiplier
	}
	if p.UseMacd != nil {
		next.UseMacd = *p.UseMacd
	}
	if p.Lots != nil {
		next.Lots = *p.Lots
	}
	if p.RiskPerTradeRupees != nil {
		next.RiskPerTradeRupees = *p.RiskPerTradeRupees
	}
	if p.InitialStopPoints != nil {
		next.InitialStopPoints = *p.InitialStopPoints
	}
	if p.TargetPoints != nil {
		next.TargetPoints = *p.TargetPoints
	}
	if p.TrailStartPoints != nil {
		next.TrailStartPoints = *p.TrailStartPoints
	}
	if p.TrailStepPoints != nil {
		next.TrailStepPoints = *p.TrailStepPoints
	}
	if p.MaxLossPerTradeRupees != nil {
		next.MaxLossPerTradeRupees = *p.MaxLossPerTradeRupees
	}
	if p.DailyMaxLossRupees != nil {
		next.DailyMaxLossRupees = *p.DailyMaxLossRupees
	}
	if p.MaxTradesPerDay != nil {
		next.MaxTradesPerDay = *p.MaxTradesPerDay
	}

	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("patched config invalid: %w", err)
	}
	return &next, nil
}
