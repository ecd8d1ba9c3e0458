package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchCommandIsolatesFailures(t *testing.T) {
	p := New(Options{Size: 4, SingleCmdTimeout: time.Second}, nil)
	defer p.Close()

	var okRan int32
	tasks := []Task{
		{TargetName: "t1", Run: func(ctx context.Context) error {
			atomic.AddInt32(&okRan, 1)
			return nil
		}},
		{TargetName: "t2", Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
		{TargetName: "t3", Run: func(ctx context.Context) error {
			atomic.AddInt32(&okRan, 1)
			return nil
		}},
	}

	outcomes := p.DispatchCommand(tasks)
	if len(outcomes) != 3 {
		t.Fatalf("want 3 outcomes, got %d", len(outcomes))
	}
	if atomic.LoadInt32(&okRan) != 2 {
		t.Fatalf("want 2 successful tasks despite one failure, got %d", okRan)
	}

	var failures int
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
			if o.TargetName != "t2" {
				t.Fatalf("unexpected failing target %s", o.TargetName)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("want exactly 1 failure, got %d", failures)
	}
}

func TestDispatchRespectsTaskTimeout(t *testing.T) {
	p := New(Options{Size: 2, SingleCmdTimeout: 20 * time.Millisecond}, nil)
	defer p.Close()

	tasks := []Task{
		{TargetName: "slow", Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		}},
	}

	outcomes := p.DispatchCommand(tasks)
	if outcomes[0].Err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}

func TestPoolHandlesMultipleCyclesSequentially(t *testing.T) {
	p := New(Options{Size: 3}, nil)
	defer p.Close()

	for cycle := 0; cycle < 3; cycle++ {
		tasks := []Task{
			{TargetName: "a", Run: func(ctx context.Context) error { return nil }},
			{TargetName: "b", Run: func(ctx context.Context) error { return nil }},
		}
		outcomes := p.DispatchCommand(tasks)
		if len(outcomes) != 2 {
			t.Fatalf("cycle %d: want 2 outcomes, got %d", cycle, len(outcomes))
		}
	}
}
