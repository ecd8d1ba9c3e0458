package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

func TestLifecycleHappyPath(t *testing.T) {
	m := New("t1", 3, time.Minute, nil)
	if m.Phase() != model.PhaseDisconnected {
		t.Fatalf("initial phase = %v", m.Phase())
	}
	m.StartConnecting()
	if m.Phase() != model.PhaseConnecting {
		t.Fatalf("phase after StartConnecting = %v", m.Phase())
	}
	m.HandshakeOKFullSync()
	if m.Phase() != model.PhaseFullSync {
		t.Fatalf("phase after HandshakeOKFullSync = %v", m.Phase())
	}
	m.FullSyncComplete()
	if m.Phase() != model.PhaseIncremental {
		t.Fatalf("phase after FullSyncComplete = %v", m.Phase())
	}
}

func TestBecomesUnhealthyAfterMaxFailures(t *testing.T) {
	now := time.Now()
	m := New("t1", 3, time.Minute, nil, WithClock(func() time.Time { return now }))
	m.HandshakeOKIncremental()

	if m.RecordFailure(errors.New("boom")) {
		t.Fatalf("1st failure must not mark unhealthy")
	}
	if m.RecordFailure(errors.New("boom")) {
		t.Fatalf("2nd failure must not mark unhealthy")
	}
	if !m.RecordFailure(errors.New("boom")) {
		t.Fatalf("3rd failure must mark unhealthy")
	}
	if m.Phase() != model.PhaseUnhealthy {
		t.Fatalf("phase = %v, want UNHEALTHY", m.Phase())
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	now := time.Now()
	m := New("t1", 3, time.Minute, nil, WithClock(func() time.Time { return now }))
	m.HandshakeOKIncremental()
	m.RecordFailure(errors.New("x"))
	m.RecordFailure(errors.New("x"))
	m.RecordSuccess(1)

	if m.RecordFailure(errors.New("x")) {
		t.Fatalf("failure count should have reset after success")
	}
	if m.RecordFailure(errors.New("x")) {
		t.Fatalf("failure count should have reset after success")
	}
	if !m.RecordFailure(errors.New("x")) {
		t.Fatalf("third consecutive failure after reset should mark unhealthy")
	}
}

func TestRecoveryDelayGating(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := New("t1", 1, 10*time.Second, nil, WithClock(clock))
	m.HandshakeOKIncremental()
	m.RecordFailure(errors.New("x"))

	if m.ReadyForRecovery() {
		t.Fatalf("should not be ready immediately")
	}
	now = now.Add(11 * time.Second)
	if !m.ReadyForRecovery() {
		t.Fatalf("should be ready after recovery delay elapses")
	}
	m.BeginRecovery()
	if m.Phase() != model.PhaseFullSync {
		t.Fatalf("phase after BeginRecovery = %v", m.Phase())
	}
}
