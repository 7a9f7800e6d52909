// Package util provides small shared helpers.
package util

import "math"

// DefaultTick is the minimum price increment for most option orders.
const DefaultTick = 0.01

// RoundToTick rounds price to the nearest tick increment.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTick
	}
	return math.Round(price/tick) * tick
}

// FloorToTick rounds price down to the tick increment. Used for credits so
// the order never asks for more than the market shows.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTick
	}
	return math.Floor(price/tick+1e-9) * tick
}

// CeilToTick rounds price up to the tick increment. Used for debits.
func CeilToTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = DefaultTick
	}
	return math.Ceil(price/tick-1e-9) * tick
}

// ShortID returns the first 8 characters of an ID for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
