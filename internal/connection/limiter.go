package connection

import (
	"sync/atomic"
	"time"
)

const (
	typingBurstLimit = 5
	typingRefillRate = 500 * time.Millisecond
)

// Limiter is a lock-free token bucket applied to outbound typing signals.
// A hot input loop must not flood the socket; room control frames and
// mark_read are never limited.
type Limiter struct {
	token    int32
	rate     time.Duration
	burst    int32
	lastTick int64
}

func NewLimiter(token int32, rate time.Duration) *Limiter {
	return &Limiter{
		token:    token,
		rate:     rate,
		lastTick: time.Now().UnixMilli(),
		burst:    token,
	}
}

func (l *Limiter) Allow() bool {
	now := time.Now().UnixMilli()

	last := atomic.LoadInt64(&l.lastTick)

	elapsed := now - last

	generated := int32(elapsed / l.rate.Milliseconds())

	if generated > 0 {
		if atomic.CompareAndSwapInt64(&l.lastTick, last, now) {
			current := atomic.LoadInt32(&l.token)
			newBalance := current + generated

			if newBalance > l.burst {
				newBalance = l.burst
			}
			atomic.StoreInt32(&l.token, newBalance)
		}
	}

	for {
		current := atomic.LoadInt32(&l.token)

		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&l.token, current, current-1) {
			return true
		}
	}
}
