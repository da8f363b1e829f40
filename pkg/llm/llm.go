// Package llm defines the model-inference interface consumed by the
// pipeline, the provider error type, and the retry policy applied to model
// calls.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is a minimal interface for making LLM API calls. Implementations
// provide the actual HTTP transport to a specific provider.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ProviderError classifies a failed provider call. Retryable covers quota,
// timeout, and transient network issues; malformed responses are not retried.
type ProviderError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retrier wraps a Client with exponential backoff. Attempts is the total
// number of calls made before giving up.
type Retrier struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetrier is the retry policy used by all pipeline model calls:
// three attempts with 500ms starting backoff.
var DefaultRetrier = Retrier{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Complete calls the client, retrying retryable provider failures with
// exponential backoff until the attempt budget is exhausted or the context
// is cancelled.
func (r Retrier) Complete(ctx context.Context, c Client, system, user string) (string, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := c.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var provErr *ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			return "", err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", fmt.Errorf("model unavailable after %d attempts: %w", attempts, lastErr)
}
