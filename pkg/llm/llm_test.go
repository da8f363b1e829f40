package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyClient fails a fixed number of times before succeeding.
type flakyClient struct {
	failures int
	calls    int
	err      error
}

func (f *flakyClient) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "ok", nil
}

func retryableErr() error {
	return &ProviderError{Provider: "test", Retryable: true, Err: errors.New("boom")}
}

func TestRetrierSucceedsFirstTry(t *testing.T) {
	r := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	c := &flakyClient{}
	out, err := r.Complete(context.Background(), c, "s", "u")
	if err != nil || out != "ok" {
		t.Fatalf("unexpected result: %q, %v", out, err)
	}
	if c.calls != 1 {
		t.Fatalf("expected 1 call, got %d", c.calls)
	}
}

func TestRetrierRetriesTransientFailures(t *testing.T) {
	r := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	c := &flakyClient{failures: 2, err: retryableErr()}
	out, err := r.Complete(context.Background(), c, "s", "u")
	if err != nil || out != "ok" {
		t.Fatalf("unexpected result: %q, %v", out, err)
	}
	if c.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", c.calls)
	}
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	c := &flakyClient{failures: 10, err: retryableErr()}
	_, err := r.Complete(context.Background(), c, "s", "u")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if c.calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", c.calls)
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected wrapped ProviderError, got %v", err)
	}
}

func TestRetrierDoesNotRetryNonRetryable(t *testing.T) {
	r := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	c := &flakyClient{failures: 10, err: &ProviderError{Provider: "test", Err: errors.New("bad request")}}
	_, err := r.Complete(context.Background(), c, "s", "u")
	if err == nil {
		t.Fatal("expected error")
	}
	if c.calls != 1 {
		t.Fatalf("expected 1 call for non-retryable error, got %d", c.calls)
	}
}

func TestRetrierStopsOnCancelledContext(t *testing.T) {
	r := Retrier{Attempts: 5, BaseDelay: 50 * time.Millisecond}
	c := &flakyClient{failures: 10, err: retryableErr()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Complete(ctx, c, "s", "u")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", c.calls)
	}
}
