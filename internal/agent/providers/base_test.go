package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
)

// TestNewBaseProviderDefaults tests that zero and negative config values
// fall back to defaults.
func TestNewBaseProviderDefaults(t *testing.T) {
	b := newBaseProvider("test", 0, 0)
	if b.maxRetries != defaultMaxRetries {
		t.Errorf("expected maxRetries %d, got %d", defaultMaxRetries, b.maxRetries)
	}
	if b.retryDelay != defaultRetryDelay {
		t.Errorf("expected retryDelay %v, got %v", defaultRetryDelay, b.retryDelay)
	}

	b = newBaseProvider("test", -1, -time.Second)
	if b.maxRetries <= 0 || b.retryDelay <= 0 {
		t.Error("expected negative config to be replaced with defaults")
	}
}

// TestRetryEventuallySucceeds tests that transient failures are retried.
func TestRetryEventuallySucceeds(t *testing.T) {
	b := newBaseProvider("test", 3, time.Millisecond)

	attempts := 0
	err := b.retry(context.Background(), retryableReason, func() error {
		attempts++
		if attempts < 3 {
			return agent.NewProviderError("test", "m", errors.New("boom")).WithStatus(429)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

// TestRetryStopsOnNonRetryable tests that permanent failures return
// immediately.
func TestRetryStopsOnNonRetryable(t *testing.T) {
	b := newBaseProvider("test", 3, time.Millisecond)

	attempts := 0
	authErr := agent.NewProviderError("test", "m", errors.New("bad key")).WithStatus(401)
	err := b.retry(context.Background(), retryableReason, func() error {
		attempts++
		return authErr
	})
	if !errors.Is(err, authErr) {
		t.Fatalf("expected the auth error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

// TestRetryExhaustsAttempts tests that the last error surfaces after the
// budget runs out.
func TestRetryExhaustsAttempts(t *testing.T) {
	b := newBaseProvider("test", 2, time.Millisecond)

	attempts := 0
	err := b.retry(context.Background(), retryableReason, func() error {
		attempts++
		return agent.NewProviderError("test", "m", errors.New("overloaded")).WithStatus(503)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

// TestRetryRespectsContext tests that cancellation wins over the backoff.
func TestRetryRespectsContext(t *testing.T) {
	b := newBaseProvider("test", 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := b.retry(ctx, retryableReason, func() error {
		attempts++
		return agent.NewProviderError("test", "m", errors.New("overloaded")).WithStatus(503)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

// TestRetryCanceledBeforeFirstAttempt tests that a dead context never runs
// the operation.
func TestRetryCanceledBeforeFirstAttempt(t *testing.T) {
	b := newBaseProvider("test", 3, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := b.retry(ctx, retryableReason, func() error {
		attempts++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", attempts)
	}
}
