package engine

import "time"

// Snapshot is an immutable value describing engine state at emission time.
// It shares no mutable data with the loop.
type Snapshot struct {
	StrategyID         string            `json:"strategyId"`
	Mode               string            `json:"mode"`
	Running            bool              `json:"running"`
	TradingEnabled     bool              `json:"tradingEnabled"`
	At                 time.Time         `json:"at"`
	LastTickAt         time.Time         `json:"lastTickAt"`
	LastTickPrice      float64           `json:"lastTickPrice"`
	LastCandleBoundary time.Time         `json:"lastCandleBoundary"`
	Indicator          IndicatorSnapshot `json:"indicator"`
	Position           *PositionSnapshot `json:"position,omitempty"`
	RiskBook           RiskBookSnapshot  `json:"riskBook"`
	LastAction         *ActionNote       `json:"lastAction,omitempty"`
}

// IndicatorSnapshot is the published indicator state.
type IndicatorSnapshot struct {
	Ready     bool      `json:"ready"`
	Direction int       `json:"direction"`
	FlippedAt time.Time `json:"flippedAt"`
}

// PositionSnapshot is the published view of the live position.
type PositionSnapshot struct {
	TradeID       string    `json:"tradeId"`
	State         string    `json:"state"`
	Side          string    `json:"side"`
	Strike        int       `json:"strike"`
	Expiry        string    `json:"expiry"`
	EntryPrice    float64   `json:"entryPrice"`
	EntryTime     time.Time `json:"entryTime"`
	Qty           int       `json:"qty"`
	UnrealizedPnl float64   `json:"unrealizedPnl"`
	InitialStop   float64   `json:"initialStop,omitempty"`
	Target        float64   `json:"target,omitempty"`
	TrailingStop  float64   `json:"trailingStop,omitempty"`
	HighWaterMark float64   `json:"highWaterMark,omitempty"`
}

// RiskBookSnapshot is the published risk ledger.
type RiskBookSnapshot struct {
	Day              string  `json:"day"`
	RealizedPnlToday float64 `json:"realizedPnlToday"`
	TradesTakenToday int     `json:"tradesTakenToday"`
	DailyLossTripped bool    `json:"dailyLossTripped"`
}

// ActionNote describes the engine's most recent notable action.
type ActionNote struct {
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}
