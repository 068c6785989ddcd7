package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("expected token %d to be available", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("expected bucket to be empty after burst")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	limiter := NewRateLimiter(100, 1)

	if !limiter.Allow() {
		t.Fatal("expected initial token")
	}
	if limiter.Allow() {
		t.Fatal("expected empty bucket")
	}

	time.Sleep(30 * time.Millisecond)

	if !limiter.Allow() {
		t.Fatal("expected bucket to refill")
	}
}

func TestRateLimiterTokensCapped(t *testing.T) {
	limiter := NewRateLimiter(1000, 5)

	time.Sleep(20 * time.Millisecond)

	if tokens := limiter.Tokens(); tokens > 5 {
		t.Fatalf("tokens exceeded capacity: %v", tokens)
	}
}

func TestRateLimiterWait(t *testing.T) {
	limiter := NewRateLimiter(200, 1)
	limiter.Allow()

	start := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Wait took too long: %v", elapsed)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
