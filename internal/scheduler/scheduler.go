// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler runs the optional periodic reconciliation trigger
// (service.reconciliation.cron) that forces a fresh full resync outside
// the normal incremental cadence, adapted from internal/agent/scheduler.go's
// single-purpose cron wrapper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc is invoked once per cron firing; it receives a background
// context that Stop does not cancel.
type RunFunc func(ctx context.Context) error

// Result records the outcome of the last reconciliation run.
type Result struct {
	Status          string // "completed", "failed", "skipped"
	DurationSeconds float64
	Timestamp       time.Time
}

// Scheduler drives one reconciliation job on a cron expression, skipping
// a firing if the previous run is still in flight.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	lastResult *Result
}

// New builds a Scheduler that invokes run on every firing of cronExpr.
func New(cronExpr string, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{logger: logger}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cronExpr, func() { s.execute(run) }); err != nil {
		return nil, fmt.Errorf("adding reconciliation cron job %q: %w", cronExpr, err)
	}
	s.cron = c
	return s, nil
}

// Start begins firing the cron schedule.
func (s *Scheduler) Start() {
	s.logger.Info("reconciliation scheduler started")
	s.cron.Start()
}

// Stop halts the scheduler and waits (bounded by ctx) for any in-flight
// reconciliation to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("reconciliation scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("reconciliation scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("reconciliation scheduler stop timed out")
	}
}

// LastResult returns the outcome of the most recent reconciliation run,
// or nil if none has fired yet.
func (s *Scheduler) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Scheduler) execute(run RunFunc) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("reconciliation already running, skipping scheduled firing")
		s.setResult(&Result{Status: "skipped", Timestamp: time.Now()})
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled reconciliation triggered")
	start := time.Now()
	err := run(context.Background())
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("reconciliation failed", "err", err, "duration", duration)
		s.setResult(&Result{Status: "failed", DurationSeconds: duration.Seconds(), Timestamp: time.Now()})
		return
	}
	s.logger.Info("reconciliation completed", "duration", duration)
	s.setResult(&Result{Status: "completed", DurationSeconds: duration.Seconds(), Timestamp: time.Now()})
}

func (s *Scheduler) setResult(r *Result) {
	s.mu.Lock()
	s.lastResult = r
	s.mu.Unlock()
}
