package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsAndRecordsSuccess(t *testing.T) {
	var calls int32
	s, err := New("* * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Directly exercise execute() instead of waiting on the real cron
	// clock, which only supports minute resolution.
	s.execute(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want 1 call, got %d", calls)
	}
	res := s.LastResult()
	if res == nil || res.Status != "completed" {
		t.Fatalf("want completed result, got %+v", res)
	}
}

func TestSchedulerRecordsFailure(t *testing.T) {
	s, err := New("@every 1h", func(ctx context.Context) error { return nil }, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.execute(func(ctx context.Context) error {
		return errors.New("reconciliation exploded")
	})

	res := s.LastResult()
	if res == nil || res.Status != "failed" {
		t.Fatalf("want failed result, got %+v", res)
	}
}

func TestSchedulerSkipsOverlappingRun(t *testing.T) {
	s, err := New("@every 1h", func(ctx context.Context) error { return nil }, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go s.execute(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	s.execute(func(ctx context.Context) error {
		t.Fatalf("overlapping run should have been skipped")
		return nil
	})

	res := s.LastResult()
	if res == nil || res.Status != "skipped" {
		t.Fatalf("want skipped result, got %+v", res)
	}

	close(release)
	time.Sleep(10 * time.Millisecond)
}
