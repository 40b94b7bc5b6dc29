// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// Option premiums on NSE/BSE trade in 0.05 ticks.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment.
// A small epsilon absorbs float representation error at tick boundaries.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	const eps = 1e-9
	return math.Floor(x/tick+eps) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	const eps = 1e-9
	return math.Ceil(x/tick-eps) * tick
}
