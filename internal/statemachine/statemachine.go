// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statemachine drives each target through
// DISCONNECTED -> CONNECTING -> FULL_SYNC -> INCREMENTAL -> UNHEALTHY and
// back, per spec.md §4.8. Every transition is a method so illegal
// transitions cannot be expressed by callers poking Phase directly.
package statemachine

import (
	"log/slog"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

// Machine owns one target's mutable TargetState and mediates every
// transition plus the failure/health bookkeeping that drives them.
type Machine struct {
	TargetName string
	MaxFailures int
	RecoveryDelay time.Duration

	state  *model.TargetState
	logger *slog.Logger
	now    func() time.Time
}

// Option configures New beyond the required target name.
type Option func(*Machine)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a Machine starting in PhaseDisconnected.
func New(targetName string, maxFailures int, recoveryDelay time.Duration, logger *slog.Logger, opts ...Option) *Machine {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	m := &Machine{
		TargetName:    targetName,
		MaxFailures:   maxFailures,
		RecoveryDelay: recoveryDelay,
		state:         model.NewTargetState(),
		logger:        logger,
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns a read-only snapshot of the current target state.
func (m *Machine) State() model.TargetState {
	return m.state.Snapshot()
}

// TargetState returns the live, mutex-guarded state backing this
// Machine, for read-only consumers (the status API) that want to read
// fresh state on every request without going through the Machine.
func (m *Machine) TargetState() *model.TargetState {
	return m.state
}

// Phase returns just the current phase.
func (m *Machine) Phase() model.Phase {
	return m.State().Phase
}

func (m *Machine) transition(to model.Phase) {
	m.state.Lock()
	from := m.state.Phase
	m.state.Phase = to
	m.state.Unlock()
	if m.logger != nil && from != to {
		m.logger.Info("target phase transition", "target", m.TargetName, "from", from, "to", to)
	}
}

// StartConnecting: DISCONNECTED -> CONNECTING.
func (m *Machine) StartConnecting() {
	m.transition(model.PhaseConnecting)
}

// HandshakeOKFullSync: CONNECTING -> FULL_SYNC (mode full/hybrid).
func (m *Machine) HandshakeOKFullSync() {
	m.transition(model.PhaseFullSync)
}

// HandshakeOKIncremental: CONNECTING -> INCREMENTAL (mode incremental).
func (m *Machine) HandshakeOKIncremental() {
	m.transition(model.PhaseIncremental)
}

// FullSyncComplete: FULL_SYNC -> INCREMENTAL, once the bulk migrator
// finished and the verifier (if enabled) passed.
func (m *Machine) FullSyncComplete() {
	m.state.Lock()
	m.state.ConsecutiveFailures = 0
	m.state.Phase = model.PhaseIncremental
	m.state.Unlock()
	if m.logger != nil {
		m.logger.Info("target phase transition", "target", m.TargetName, "from", model.PhaseFullSync, "to", model.PhaseIncremental)
	}
}

// Shutdown: * -> DISCONNECTED.
func (m *Machine) Shutdown() {
	m.transition(model.PhaseDisconnected)
}

// RecordSuccess clears the consecutive-failure counter and updates the
// last-sync timestamp and synced total. It does not by itself change phase.
func (m *Machine) RecordSuccess(n uint64) {
	m.state.Lock()
	m.state.ConsecutiveFailures = 0
	m.state.LastSyncWallTime = m.now()
	m.state.Totals.Synced += n
	m.state.Unlock()
}

// RecordFailure increments the failure total and the consecutive-failure
// counter. If the counter reaches MaxFailures, the target transitions to
// UNHEALTHY and RecordFailure reports that transition via its return value
// so the caller (the coordinator) can schedule recovery.
func (m *Machine) RecordFailure(err error) (becameUnhealthy bool) {
	m.state.Lock()
	m.state.Totals.Failed++
	m.state.ConsecutiveFailures++
	m.state.LastSyncWallTime = m.now()
	if err != nil {
		m.state.LastError = err.Error()
	}
	unhealthy := m.state.ConsecutiveFailures >= m.MaxFailures && m.state.Phase != model.PhaseUnhealthy
	failures := m.state.ConsecutiveFailures
	if unhealthy {
		m.state.Phase = model.PhaseUnhealthy
	}
	m.state.Unlock()

	if unhealthy && m.logger != nil {
		m.logger.Warn("target marked unhealthy", "target", m.TargetName, "consecutive_failures", failures)
	}
	return unhealthy
}

// ReadyForRecovery reports whether an UNHEALTHY target has waited at least
// RecoveryDelay since its last recorded sync attempt and should be retried
// with a fresh FULL_SYNC.
func (m *Machine) ReadyForRecovery() bool {
	snap := m.state.Snapshot()
	if snap.Phase != model.PhaseUnhealthy {
		return false
	}
	return m.now().Sub(snap.LastSyncWallTime) >= m.RecoveryDelay
}

// BeginRecovery: UNHEALTHY -> FULL_SYNC, invoked by the coordinator once
// ReadyForRecovery is true.
func (m *Machine) BeginRecovery() {
	m.transition(model.PhaseFullSync)
}
