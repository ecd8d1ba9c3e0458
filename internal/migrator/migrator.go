// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package migrator implements the bulk (full) DUMP/RESTORE copy of the
// source keyspace to one target, grounded on
// redis_sync/full_migration_handler.py and scan_handler.py.
package migrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/redis/go-redis/v9"
)

var (
	errScan      = model.ErrScan
	errMigration = model.ErrMigration
)

// Options configures one bulk migration run.
type Options struct {
	Pattern     string
	KeyTypes    map[string]bool // empty = no type filter
	BatchSize   int
	ScanCount   int64
	PreserveTTL bool
	ClearTarget bool
}

// Result is the summary returned once a bulk migration finishes.
type Result struct {
	TotalEstimated int64
	Migrated       int64
	Failed         int64
}

// ProgressFunc is invoked after each page with (current, totalEstimated).
type ProgressFunc func(current, total int64)

// Migrator copies keys from one source client to one target client.
type Migrator struct {
	source *redis.Client
	target *redis.Client
	logger *slog.Logger
}

// New returns a Migrator bound to a source/target pair.
func New(source, target *redis.Client, logger *slog.Logger) *Migrator {
	return &Migrator{source: source, target: target, logger: logger}
}

type keyPayload struct {
	key     string
	ttlMs   int64
	payload string
}

// Run executes the full bulk-migration algorithm described in spec.md §4.3.
func (m *Migrator) Run(ctx context.Context, opts Options, onProgress ProgressFunc) (Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = 1000
	}

	if opts.ClearTarget {
		if err := m.target.FlushDB(ctx).Err(); err != nil {
			return Result{}, fmt.Errorf("flushing target: %w", err)
		}
	}

	total, err := m.estimateTotal(ctx, opts)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("estimation failed, continuing without total", "err", err)
		}
	}

	var res Result
	res.TotalEstimated = total

	var cursor uint64
	var page []string
	for {
		var err error
		page, cursor, err = m.source.Scan(ctx, cursor, opts.Pattern, opts.ScanCount).Result()
		if err != nil {
			return res, fmt.Errorf("%w: scanning source: %v", errScan, err)
		}

		keys := page
		if len(opts.KeyTypes) > 0 {
			keys, err = m.filterByType(ctx, page, opts.KeyTypes)
			if err != nil {
				return res, err
			}
		}

		for start := 0; start < len(keys); start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > len(keys) {
				end = len(keys)
			}
			batch := keys[start:end]
			migrated, failed := m.migrateBatch(ctx, batch, opts.PreserveTTL)
			res.Migrated += migrated
			res.Failed += failed
		}

		if onProgress != nil {
			onProgress(res.Migrated+res.Failed, res.TotalEstimated)
		}

		if cursor == 0 {
			break
		}
	}

	return res, nil
}

// MigrateKeys applies an explicit key list (rather than a keyspace SCAN)
// to the target, chunked at batchSize. Used by the SCAN incremental
// handler to apply a detected change set via the same DUMP/RESTORE path
// as a bulk migration.
func (m *Migrator) MigrateKeys(ctx context.Context, keys []string, preserveTTL bool, batchSize int) (migrated, failed int64) {
	if batchSize <= 0 {
		batchSize = 500
	}
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		mig, fail := m.migrateBatch(ctx, keys[start:end], preserveTTL)
		migrated += mig
		failed += fail
	}
	return migrated, failed
}

func (m *Migrator) filterByType(ctx context.Context, keys []string, allowed map[string]bool) ([]string, error) {
	pipe := m.source.Pipeline()
	cmds := make([]*redis.StatusCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: pipelined TYPE: %v", errScan, err)
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

// migrateBatch runs one DUMP+PTTL pipeline against the source and one
// RESTORE...REPLACE pipeline against the target. On any pipeline-level
// error the whole batch counts as failed; the caller continues with the
// next batch (per-batch isolation, spec.md §4.3 step 6).
func (m *Migrator) migrateBatch(ctx context.Context, keys []string, preserveTTL bool) (migrated, failed int64) {
	dumps, err := m.dumpBatch(ctx, keys, preserveTTL)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("dump batch failed", "batch_size", len(keys), "err", err)
		}
		return 0, int64(len(keys))
	}

	if len(dumps) == 0 {
		return 0, int64(len(keys))
	}

	if err := m.restoreBatch(ctx, dumps); err != nil {
		if m.logger != nil {
			m.logger.Error("restore batch failed", "batch_size", len(dumps), "err", err)
		}
		return 0, int64(len(dumps))
	}

	return int64(len(dumps)), int64(len(keys) - len(dumps))
}

func (m *Migrator) dumpBatch(ctx context.Context, keys []string, preserveTTL bool) ([]keyPayload, error) {
	pipe := m.source.Pipeline()
	dumpCmds := make([]*redis.StringCmd, len(keys))
	var pttlCmds []*redis.DurationCmd
	for i, k := range keys {
		dumpCmds[i] = pipe.Dump(ctx, k)
	}
	if preserveTTL {
		pttlCmds = make([]*redis.DurationCmd, len(keys))
		for i, k := range keys {
			pttlCmds[i] = pipe.PTTL(ctx, k)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: pipelined DUMP: %v", errMigration, err)
	}

	var out []keyPayload
	for i, k := range keys {
		payload, err := dumpCmds[i].Result()
		if err != nil {
			// nil DUMP: key vanished mid-scan. Left out of the RESTORE
			// batch; migrateBatch counts it as failed.
			continue
		}
		ttlMs := int64(0)
		if preserveTTL {
			if d, err := pttlCmds[i].Result(); err == nil && d > 0 {
				ttlMs = d.Milliseconds()
			}
		}
		out = append(out, keyPayload{key: k, ttlMs: ttlMs, payload: payload})
	}
	return out, nil
}

func (m *Migrator) restoreBatch(ctx context.Context, dumps []keyPayload) error {
	pipe := m.target.Pipeline()
	for _, kp := range dumps {
		pipe.RestoreReplace(ctx, kp.key, time.Duration(kp.ttlMs)*time.Millisecond, kp.payload)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: pipelined RESTORE: %v", errMigration, err)
	}
	return nil
}

// estimateTotal follows spec.md §4.3: DBSIZE is authoritative with no
// filter; otherwise a sampled extrapolation (matching/sampled * DBSIZE).
func (m *Migrator) estimateTotal(ctx context.Context, opts Options) (int64, error) {
	dbsize, err := m.source.DBSize(ctx).Result()
	if err != nil {
		return 0, err
	}
	if opts.Pattern == "" || opts.Pattern == "*" {
		if len(opts.KeyTypes) == 0 {
			return dbsize, nil
		}
	}

	const sampleTarget = 1000
	var cursor uint64
	var sampled, matching int64
	for sampled < sampleTarget {
		page, next, err := m.source.Scan(ctx, cursor, opts.Pattern, 1000).Result()
		if err != nil {
			return 0, err
		}
		sampled += int64(len(page))
		keys := page
		if len(opts.KeyTypes) > 0 {
			keys, err = m.filterByType(ctx, page, opts.KeyTypes)
			if err != nil {
				return 0, err
			}
		}
		matching += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if sampled == 0 {
		return 0, nil
	}
	return matching * dbsize / sampled, nil
}

