package connection

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes the delay schedule between reconnection attempts:
// exponential doubling from the base delay with a little jitter, capped at
// the maximum delay. The attempt counter is also the retry budget; the
// manager stops scheduling once it is spent.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{
		baseDelay:   base,
		maxDelay:    max,
		maxAttempts: maxAttempts,
	}
}

// exhausted reports whether the retry budget is spent.
func (b *backoff) exhausted() bool {
	return b.attempt >= b.maxAttempts
}

// nextDelay returns the delay before the next attempt and consumes one
// attempt from the budget.
func (b *backoff) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}
