package connmgr

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestBackoffDelayCapsAtMax(t *testing.T) {
	b := BackoffConfig{InitialDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second, Attempts: 10}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // would be 16s uncapped
		{6, 10 * time.Second},
	}
	for _, c := range cases {
		got := b.delay(c.attempt)
		if got != c.want {
			t.Errorf("delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	if !IsRetryable(&net.OpError{Op: "read", Err: errors.New("connection reset")}) {
		t.Fatalf("net.OpError should be retryable")
	}
}

func TestIsRetryableNonNetworkError(t *testing.T) {
	if IsRetryable(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")) {
		t.Fatalf("plain redis error reply must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil error must not be retryable")
	}
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	m := New(BackoffConfig{InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Millisecond, Attempts: 3}, nil)
	calls := 0
	err := m.ExecuteWithRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("BUSYKEY target key name already exists")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should not be retried, got %d calls", calls)
	}
}

func TestExecuteWithRetryRetriesThenSucceeds(t *testing.T) {
	m := New(BackoffConfig{InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond, Attempts: 3}, nil)
	calls := 0
	err := m.ExecuteWithRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("want 2 calls, got %d", calls)
	}
}
