package feed

import (
	"math/rand"
	"time"
)

// nextBackoff doubles the previous delay up to max. The first failure after
// a successful connection starts back at initial.
func nextBackoff(prev, initial, max time.Duration) time.Duration {
	if prev <= 0 {
		return initial
	}
	next := prev * 2
	if next > max {
		next = max
	}
	return next
}

// addJitter perturbs the delay by ±10% so reconnecting clients do not
// synchronize into retry storms.
func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * factor)
}
