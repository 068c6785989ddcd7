// Package providers implements the model backends behind the agent.Provider
// interface: Anthropic messages, OpenAI chat completions, the OpenAI
// Responses event stream, Google Gemini and AWS Bedrock Converse. Each
// backend accumulates its streaming wire format internally and returns only
// the terminal completion.
package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// baseProvider holds the retry configuration shared by all backends.
type baseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

func newBaseProvider(name string, maxRetries int, retryDelay time.Duration) baseProvider {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return baseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// retry runs op up to maxRetries times with linear backoff, retrying only
// while isRetryable approves the error. Context cancellation wins over both
// the backoff sleep and further attempts.
func (b *baseProvider) retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// retryableReason approves retries for transient failures only.
func retryableReason(err error) bool {
	return agent.ReasonOf(err).IsRetryable()
}
