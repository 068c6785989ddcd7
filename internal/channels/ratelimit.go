package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket used to stay under platform API
// limits. The bucket starts full, refills at rate tokens per second,
// and never holds more than capacity tokens.
type RateLimiter struct {
	rate     float64
	capacity int

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rate operations per second
// with bursts up to capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.take()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow consumes a token if one is available.
func (l *RateLimiter) Allow() bool {
	ok, _ := l.take()
	return ok
}

// Tokens returns the number of tokens currently available.
func (l *RateLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// take consumes a token, or reports how long until one accrues.
func (l *RateLimiter) take() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}

	need := 1 - l.tokens
	return false, time.Duration(need / l.rate * float64(time.Second))
}

// refill accrues tokens for the time since the last refill. Caller
// holds the lock.
func (l *RateLimiter) refill() {
	now := time.Now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > float64(l.capacity) {
		l.tokens = float64(l.capacity)
	}
	l.lastRefill = now
}
