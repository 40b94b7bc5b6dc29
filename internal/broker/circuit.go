package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so that a misbehaving upstream trips
// open instead of stalling every engine cycle.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

var _ Broker = (*CircuitBreakerBroker)(nil)

func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		// An open circuit is transient from the engine's perspective: the
		// cycle proceeds without a tick and the breaker recovers on its own.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &TransientError{Op: "circuit", Err: err}
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// ResolveOption wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ResolveOption(ctx context.Context, root string, referenceSpot float64, side Side) (OptionRef, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (OptionRef, error) {
		return b.ResolveOption(ctx, root, referenceSpot, side)
	})
}

// QuoteIndex wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) QuoteIndex(ctx context.Context, root string) (Tick, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (Tick, error) {
		return b.QuoteIndex(ctx, root)
	})
}

// QuoteOption wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) QuoteOption(ctx context.Context, opt OptionRef) (Tick, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (Tick, error) {
		return b.QuoteOption(ctx, opt)
	})
}

// PlaceMarketOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceMarketOrder(ctx context.Context, ord MarketOrder) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceMarketOrder(ctx, ord)
	})
}

// OrderStatus wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (OrderUpdate, error) {
		return b.OrderStatus(ctx, brokerOrderID)
	})
}
