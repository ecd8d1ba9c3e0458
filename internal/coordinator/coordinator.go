// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package coordinator fans a single incremental source (a SCAN change
// set, or one PSYNC command) out to every configured target through a
// bounded worker pool, isolating one target's failure from the rest.
// Grounded on migration_orchestrator.py's dispatch-to-targets loop and
// the teacher's internal/agent/dispatcher.go worker-pool idiom: a
// fixed-size jobs channel drained by goroutines, joined with
// sync.WaitGroup, not an external concurrency-helper library.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of fan-out work for one target: either a single
// command (PSYNC mode) or a bounded key batch (SCAN mode). Run should
// respect ctx's deadline.
type Task struct {
	TargetName string
	Run        func(ctx context.Context) error
}

// Outcome reports one task's result, keyed by target so callers can
// update per-target statistics/state machines without a second lookup.
type Outcome struct {
	TargetName string
	Err        error
}

// Pool is a fixed-size worker pool dispatching Tasks to targets. Workers
// are started once and read from an internal jobs channel for the life
// of the Pool, matching the teacher's dispatcher-stream goroutine
// lifecycle rather than spinning up goroutines per cycle.
type Pool struct {
	size             int
	singleCmdTimeout time.Duration
	keyBatchTimeout  time.Duration
	logger           *slog.Logger

	jobs chan job
	wg   sync.WaitGroup
}

type job struct {
	task    Task
	isBatch bool
	out     chan<- Outcome
}

// Options configures a Pool. Zero values fall back to spec.md §4.7
// defaults: 8 workers, 5s single-command timeout, 300s key-batch timeout.
type Options struct {
	Size             int
	SingleCmdTimeout time.Duration
	KeyBatchTimeout  time.Duration
}

// New starts Size worker goroutines ready to drain tasks submitted via
// DispatchCommand or DispatchKeyBatch. Call Close to stop them once no more cycles will run.
func New(opts Options, logger *slog.Logger) *Pool {
	if opts.Size <= 0 {
		opts.Size = 8
	}
	if opts.SingleCmdTimeout <= 0 {
		opts.SingleCmdTimeout = 5 * time.Second
	}
	if opts.KeyBatchTimeout <= 0 {
		opts.KeyBatchTimeout = 300 * time.Second
	}

	p := &Pool{
		size:             opts.Size,
		singleCmdTimeout: opts.SingleCmdTimeout,
		keyBatchTimeout:  opts.KeyBatchTimeout,
		logger:           logger,
		jobs:             make(chan job, opts.Size*2),
	}

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		timeout := p.singleCmdTimeout
		if j.isBatch {
			timeout = p.keyBatchTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := j.task.Run(ctx)
		cancel()

		if err != nil && p.logger != nil {
			p.logger.Warn("fan-out task failed", "target", j.task.TargetName, "err", err)
		}
		j.out <- Outcome{TargetName: j.task.TargetName, Err: err}
	}
}

// DispatchCommand submits one single-command task per target (PSYNC
// mode) and blocks until every task completes, returning one Outcome per
// target. A slow or dead target cannot block the others: each task gets
// its own timeout and is isolated from its siblings by the worker pool.
func (p *Pool) DispatchCommand(tasks []Task) []Outcome {
	return p.dispatch(tasks, false)
}

// DispatchKeyBatch submits one key-batch task per target (SCAN mode),
// using the longer key-batch timeout.
func (p *Pool) DispatchKeyBatch(tasks []Task) []Outcome {
	return p.dispatch(tasks, true)
}

func (p *Pool) dispatch(tasks []Task, isBatch bool) []Outcome {
	out := make(chan Outcome, len(tasks))
	for _, t := range tasks {
		p.jobs <- job{task: t, isBatch: isBatch, out: out}
	}

	outcomes := make([]Outcome, 0, len(tasks))
	for range tasks {
		outcomes = append(outcomes, <-out)
	}
	return outcomes
}

// Close stops accepting new work and waits for in-flight tasks to
// finish. The Pool must not be used again afterwards.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
