// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scanmode implements the SCAN/IDLETIME incremental mode: a
// two-stage change detector that requires no replica protocol on the
// source, grounded on unified_incremental_service.py's "scan" wiring and
// scan_handler.py.
package scanmode

import (
	"context"
	"fmt"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/nishisan-dev/redis-fanout/internal/verifier"
	"github.com/redis/go-redis/v9"
)

// Options configures one detection cycle.
type Options struct {
	Pattern           string
	KeyTypes          map[string]bool
	MaxChangesPerSync int
	IdleTolerance     time.Duration // clock-skew tolerance, spec default 5s
	BackfillCap       int           // Stage B cap, spec default 50000
}

// Detector finds keys on source believed to have changed since lastRun,
// against the cadence the coordinator drives it at.
type Detector struct {
	source *redis.Client
	target *redis.Client
}

// New returns a Detector bound to one source/target pair.
func New(source, target *redis.Client) *Detector {
	return &Detector{source: source, target: target}
}

// Detect runs Stage A (IDLETIME sweep) and, if it under-produces relative
// to MaxChangesPerSync, Stage B (bounded value-compare backfill).
func (d *Detector) Detect(ctx context.Context, opts Options, lastRun time.Time) (model.ChangeSet, error) {
	if opts.MaxChangesPerSync <= 0 {
		opts.MaxChangesPerSync = 1000
	}
	if opts.IdleTolerance <= 0 {
		opts.IdleTolerance = 5 * time.Second
	}
	if opts.BackfillCap <= 0 {
		opts.BackfillCap = 50000
	}

	changed, scanned, err := d.stageAIdletime(ctx, opts, lastRun)
	if err != nil {
		return model.ChangeSet{}, err
	}

	if len(changed) < opts.MaxChangesPerSync {
		backfill, err := d.stageBValueCompare(ctx, opts, scanned, changed)
		if err != nil {
			return model.ChangeSet{}, err
		}
		changed = mergeUnique(changed, backfill)
	}

	if len(changed) > opts.MaxChangesPerSync {
		changed = changed[:opts.MaxChangesPerSync]
	}

	return model.ChangeSet{Keys: changed}, nil
}

// stageAIdletime scans the keyspace and flags any key whose IDLETIME is
// at most the elapsed time since the previous cycle (plus tolerance),
// meaning it was touched since then. It also returns the full scanned set
// so Stage B can skip keys Stage A already marked as changed.
func (d *Detector) stageAIdletime(ctx context.Context, opts Options, lastRun time.Time) (changed, scanned []string, err error) {
	since := time.Since(lastRun)
	if since <= 0 {
		since = opts.IdleTolerance
	}
	threshold := int64((since + opts.IdleTolerance) / time.Second)

	var cursor uint64
	for {
		page, next, err := d.source.Scan(ctx, cursor, opts.Pattern, 1000).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: scanning source: %v", model.ErrScan, err)
		}

		keys := page
		if len(opts.KeyTypes) > 0 {
			keys, err = d.filterByType(ctx, page, opts.KeyTypes)
			if err != nil {
				return nil, nil, err
			}
		}
		scanned = append(scanned, keys...)

		idle, err := d.idletimeBatch(ctx, keys)
		if err != nil {
			return nil, nil, err
		}
		for i, k := range keys {
			if idle[i] >= 0 && idle[i] <= threshold {
				changed = append(changed, k)
			}
		}

		cursor = next
		if cursor == 0 || len(changed) >= opts.MaxChangesPerSync {
			break
		}
	}
	return changed, scanned, nil
}

// idletimeBatch issues OBJECT IDLETIME per key in sub-pipelines of 1000,
// since go-redis v9 has no typed wrapper for it.
func (d *Detector) idletimeBatch(ctx context.Context, keys []string) ([]int64, error) {
	out := make([]int64, len(keys))
	const chunk = 1000
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		sub := keys[start:end]

		pipe := d.source.Pipeline()
		cmds := make([]*redis.Cmd, len(sub))
		for i, k := range sub {
			cmds[i] = pipe.Do(ctx, "OBJECT", "IDLETIME", k)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("%w: pipelined OBJECT IDLETIME: %v", model.ErrScan, err)
		}
		for i, cmd := range cmds {
			secs, err := cmd.Int64()
			if err != nil {
				out[start+i] = -1 // key vanished or type unsupported: skip
				continue
			}
			out[start+i] = secs
		}
	}
	return out, nil
}

func (d *Detector) filterByType(ctx context.Context, keys []string, allowed map[string]bool) ([]string, error) {
	pipe := d.source.Pipeline()
	cmds := make([]*redis.StatusCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: pipelined TYPE: %v", model.ErrScan, err)
	}
	var filtered []string
	for i, cmd := range cmds {
		typ, err := cmd.Result()
		if err != nil {
			continue
		}
		if allowed[typ] {
			filtered = append(filtered, keys[i])
		}
	}
	return filtered, nil
}

// stageBValueCompare backfills keys Stage A missed by comparing source
// and target values directly, comparing at most BackfillCap keys per cycle.
func (d *Detector) stageBValueCompare(ctx context.Context, opts Options, scanned, alreadyChanged []string) ([]string, error) {
	skip := make(map[string]bool, len(alreadyChanged))
	for _, k := range alreadyChanged {
		skip[k] = true
	}

	var backfill []string
	compared := 0
	for _, k := range scanned {
		if skip[k] {
			continue
		}
		if compared >= opts.BackfillCap {
			break
		}
		compared++

		typ, err := d.source.Type(ctx, k).Result()
		if err != nil {
			continue
		}
		equal, err := verifier.CompareValue(ctx, d.source, d.target, typ, k)
		if err != nil {
			continue
		}
		if !equal {
			backfill = append(backfill, k)
		}
	}
	return backfill, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
