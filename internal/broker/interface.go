// Package broker defines the adapter contract the engine requires from a
// brokerage, plus the live and simulated implementations.
package broker

import (
	"context"
	"time"
)

// Side identifies the option leg type in NSE convention.
type Side string

const (
	// SideCall is a call option (CE).
	SideCall Side = "CE"
	// SidePut is a put option (PE).
	SidePut Side = "PE"
)

// Valid reports whether the side is one of the defined constants.
func (s Side) Valid() bool { return s == SideCall || s == SidePut }

// OrderAction is the direction of a market order.
type OrderAction string

const (
	// ActionBuy opens a long option position.
	ActionBuy OrderAction = "BUY"
	// ActionSell closes a long option position.
	ActionSell OrderAction = "SELL"
)

// OrderState is the normalized order status the engine reasons about.
// Vendor strings are collapsed by NormalizeStatus before they reach the core.
type OrderState string

const (
	StatePending  OrderState = "PENDING"
	StateFilled   OrderState = "FILLED"
	StateRejected OrderState = "REJECTED"
	StateUnknown  OrderState = "UNKNOWN"
)

// OptionRef identifies a resolved option contract. Immutable once resolved.
type OptionRef struct {
	Root       string    `json:"root"`
	Expiry     time.Time `json:"expiry"`
	Strike     int       `json:"strike"`
	Side       Side      `json:"side"`
	SecurityID string    `json:"security_id"`
}

// Tick is a single last-traded-price observation.
type Tick struct {
	Symbol string    `json:"symbol"`
	At     time.Time `json:"at"`
	Price  float64   `json:"price"`
}

// MarketOrder is a request to buy or sell qty contracts at market.
// ClientTag is the caller-supplied idempotency key; it is stable across
// retries within a single intent.
type MarketOrder struct {
	Option    OptionRef
	Action    OrderAction
	Qty       int
	ClientTag string
}

// OrderUpdate is the polled state of a placed order.
type OrderUpdate struct {
	Status       OrderState
	AvgFillPrice float64
	FilledQty    int
}

// Broker is the contract the trading engine requires from a brokerage.
// Implementations must not block past the context deadline; the engine
// invokes these off its decision loop.
type Broker interface {
	// ResolveOption chooses the ATM strike for referenceSpot and the nearest
	// non-expired expiry, returning the broker security id. Returns a
	// *ResolveError when no such contract exists.
	ResolveOption(ctx context.Context, root string, referenceSpot float64, side Side) (OptionRef, error)

	// QuoteIndex returns the index last price.
	QuoteIndex(ctx context.Context, root string) (Tick, error)

	// QuoteOption returns the option last price.
	QuoteOption(ctx context.Context, opt OptionRef) (Tick, error)

	// PlaceMarketOrder submits a market order and returns the broker order id.
	PlaceMarketOrder(ctx context.Context, ord MarketOrder) (string, error)

	// OrderStatus polls a placed order. Vendor fill states are normalized.
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error)
}
