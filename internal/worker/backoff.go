package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is exponential: Base * 2^(attempt-1), capped at Max, plus up to
// Jitter (a fraction of the delay) of random spread.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: 0.25}
}

// Delay never overflows: without Max the result saturates at the largest
// time.Duration.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := float64(math.MaxInt64)
	if b.Max > 0 {
		limit = float64(b.Max)
	}
	delay := math.Min(float64(b.Base)*math.Pow(2, float64(attempt-1)), limit)
	if b.Jitter > 0 {
		delay += rand.Float64() * b.Jitter * delay
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
