package websocket

import (
	"math"
	"math/rand"
	"time"
)

const backoffMultiplier = 2.0

// nextBackoffDelay returns the wait before reconnection attempt N (1-based):
// initial * 2^(N-1), capped at max, then spread over [0.5, 1.5) of itself
// when rng is set.
func nextBackoffDelay(initial, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(backoffMultiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	if rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
