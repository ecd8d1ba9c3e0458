// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package orchestrator wires every other package into the running
// process: it selects sync.mode (full/incremental/hybrid), connects the
// source and targets, runs the bulk migration where needed, and drives
// whichever incremental engine sync.incremental_sync.method selects,
// fanning decoded changes out through the coordinator's worker pool.
// Grounded on unified_incremental_service.py's top-level service loop,
// which performs exactly this mode dispatch.
package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/config"
	"github.com/nishisan-dev/redis-fanout/internal/connmgr"
	"github.com/nishisan-dev/redis-fanout/internal/coordinator"
	"github.com/nishisan-dev/redis-fanout/internal/dedup"
	"github.com/nishisan-dev/redis-fanout/internal/incremental/psyncmode"
	"github.com/nishisan-dev/redis-fanout/internal/incremental/scanmode"
	"github.com/nishisan-dev/redis-fanout/internal/incremental/streamio"
	"github.com/nishisan-dev/redis-fanout/internal/incremental/syncmode"
	"github.com/nishisan-dev/redis-fanout/internal/logging"
	"github.com/nishisan-dev/redis-fanout/internal/migrator"
	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/nishisan-dev/redis-fanout/internal/pki"
	"github.com/nishisan-dev/redis-fanout/internal/statemachine"
	"github.com/nishisan-dev/redis-fanout/internal/verifier"
	"github.com/redis/go-redis/v9"
)

// targetRuntime bundles everything the orchestrator needs per target.
type targetRuntime struct {
	entry  config.TargetEntry
	client *redis.Client
	tlsCfg *tls.Config
	state  *statemachine.Machine
	stats  *model.Statistics
}

// Orchestrator runs the whole replication engine for one process.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	connMgr      *connmgr.Manager
	sourceClient *redis.Client
	targets      map[string]*targetRuntime
	pool         *coordinator.Pool
	dedupCache   *dedup.Cache

	keyTypeFilter map[string]bool
}

// New builds an Orchestrator from validated configuration. It does not
// open any connections; call Run to do that.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	backoff := connmgr.DefaultBackoff()
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		connMgr: connmgr.New(backoff, logger),
		targets: make(map[string]*targetRuntime),
	}
	if len(cfg.Sync.IncrementalSync.KeyTypes) > 0 {
		o.keyTypeFilter = make(map[string]bool, len(cfg.Sync.IncrementalSync.KeyTypes))
		for _, t := range cfg.Sync.IncrementalSync.KeyTypes {
			o.keyTypeFilter[t] = true
		}
	}
	return o
}

// TargetStates implements statusapi.TargetSource.
func (o *Orchestrator) TargetStates() map[string]*model.TargetState {
	out := make(map[string]*model.TargetState, len(o.targets))
	for name, t := range o.targets {
		out[name] = t.state.TargetState()
	}
	return out
}

// Run connects to the source and every enabled target, performs the
// configured full sync, then runs the incremental engine until ctx is
// cancelled. It returns the first unrecoverable error, or nil on clean
// shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.connectAll(ctx); err != nil {
		return err
	}
	defer o.closeAll()

	o.pool = coordinator.New(coordinator.Options{Size: o.cfg.Service.Performance.MaxWorkers}, o.logger)
	defer o.pool.Close()

	o.dedupCache = dedup.New(5*time.Second, 1000, nil)

	mode := o.cfg.Sync.Mode
	if mode == "full" || mode == "hybrid" {
		if err := o.runFullSyncAll(ctx); err != nil {
			return err
		}
	}

	if mode == "incremental" || mode == "hybrid" {
		return o.runIncremental(ctx)
	}

	return nil
}

// RunFullReconciliation re-runs the bulk DUMP/RESTORE migration against
// every connected target on demand, for use by the periodic
// reconciliation scheduler. It is a no-op if Run has not yet connected.
func (o *Orchestrator) RunFullReconciliation(ctx context.Context) error {
	if len(o.targets) == 0 {
		return nil
	}
	return o.runFullSyncAll(ctx)
}

func (o *Orchestrator) connectAll(ctx context.Context) error {
	srcTLS, err := buildTLS(o.cfg.Source.TLS)
	if err != nil {
		return err
	}
	src, err := o.connMgr.Connect(ctx, connmgr.Options{
		Name:     "source",
		Addr:     fmt.Sprintf("%s:%d", o.cfg.Source.Host, o.cfg.Source.Port),
		Password: o.cfg.Source.Password,
		DB:       o.cfg.Source.DB,
		TLS:      srcTLS,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrConnection, err)
	}
	o.sourceClient = src

	for _, entry := range o.cfg.Targets {
		if !entry.Enabled {
			continue
		}
		tgtTLS, err := buildTLS(entry.TLS)
		if err != nil {
			return err
		}
		client, err := o.connMgr.Connect(ctx, connmgr.Options{
			Name:     entry.Name,
			Addr:     fmt.Sprintf("%s:%d", entry.Host, entry.Port),
			Password: entry.Password,
			DB:       entry.DB,
			TLS:      tgtTLS,
		})
		if err != nil {
			return fmt.Errorf("%w: connecting target %s: %v", model.ErrConnection, entry.Name, err)
		}

		machine := statemachine.New(entry.Name, o.cfg.Service.Failover.MaxFailures, o.cfg.Service.Failover.RecoveryDelay, o.logger)
		o.targets[entry.Name] = &targetRuntime{
			entry:  entry,
			client: client,
			tlsCfg: tgtTLS,
			state:  machine,
			stats:  model.NewStatistics(o.cfg.Sync.IncrementalSync.Method, time.Now()),
		}
	}

	if len(o.targets) == 0 {
		return fmt.Errorf("%w: no enabled targets configured", model.ErrConfiguration)
	}
	return nil
}

func buildTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	built, err := pki.NewClientTLSConfig(cfg.CACert, cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: building TLS config: %v", model.ErrConfiguration, err)
	}
	return built, nil
}

func (o *Orchestrator) closeAll() {
	if o.sourceClient != nil {
		_ = o.sourceClient.Close()
	}
	for _, t := range o.targets {
		_ = t.client.Close()
	}
}

// runFullSyncAll performs the bulk DUMP/RESTORE migration (and optional
// verification) against every target, in parallel, before any
// incremental engine starts. A target whose migration or verification
// fails has the failure recorded on its state machine (which marks it
// UNHEALTHY once MaxFailures consecutive failures accumulate) and stays in
// FULL_SYNC; the whole process is not aborted.
func (o *Orchestrator) runFullSyncAll(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range o.targets {
		t := t
		t.state.StartConnecting()
		t.state.HandshakeOKFullSync()
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runFullSyncOne(ctx, t)
		}()
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) runFullSyncOne(ctx context.Context, t *targetRuntime) {
	runLogger, closer, logPath, err := logging.NewSessionLogger(
		o.logger, o.cfg.Service.Logging.FullSyncLogDir, "full-sync", fmt.Sprintf("%s-%d", t.entry.Name, time.Now().Unix()))
	if err != nil {
		o.logger.Warn("could not open dedicated full sync log, continuing with process logger", "target", t.entry.Name, "err", err)
		runLogger = o.logger
		closer = io.NopCloser(nil)
	}
	defer closer.Close()
	if logPath != "" {
		runLogger.Info("full sync run log", "target", t.entry.Name, "path", logPath)
	}

	mig := migrator.New(o.sourceClient, t.client, runLogger)
	opts := migrator.Options{
		Pattern:     o.cfg.Sync.FullSync.Pattern,
		KeyTypes:    o.keyTypeFilter,
		BatchSize:   o.cfg.Sync.FullSync.BatchSize,
		ScanCount:   int64(o.cfg.Sync.FullSync.ScanCount),
		PreserveTTL: o.cfg.Sync.FullSync.PreserveTTL,
	}

	res, err := mig.Run(ctx, opts, nil)
	if err != nil {
		t.state.RecordFailure(err)
		runLogger.Error("full sync failed", "target", t.entry.Name, "err", err)
		return
	}
	t.state.RecordSuccess(uint64(res.Migrated))

	if o.cfg.Sync.FullSync.VerifyMigration {
		v := verifier.New(o.sourceClient, t.client)
		mode := verifier.ModeFast
		if o.cfg.Sync.FullSync.VerifyMode == "full" {
			mode = verifier.ModeFull
		}
		vres, err := v.Run(ctx, mode, opts.Pattern, o.cfg.Sync.FullSync.VerifySampleSize)
		if err != nil {
			runLogger.Warn("verification failed to run", "target", t.entry.Name, "err", err)
		} else if !vres.Passes() {
			runLogger.Warn("verification below pass threshold", "target", t.entry.Name, "pass_rate", vres.PassRate())
			t.state.RecordFailure(fmt.Errorf("%w: verification pass rate %.3f below threshold", model.ErrVerification, vres.PassRate()))
			return
		}
	}

	t.state.FullSyncComplete()
	runLogger.Info("full sync complete", "target", t.entry.Name, "migrated", res.Migrated, "failed", res.Failed)
}

// runIncremental dispatches to the configured incremental method.
func (o *Orchestrator) runIncremental(ctx context.Context) error {
	for _, t := range o.targets {
		if t.state.Phase() == model.PhaseDisconnected {
			t.state.StartConnecting()
			t.state.HandshakeOKIncremental()
		}
	}

	switch o.cfg.Sync.IncrementalSync.Method {
	case "scan":
		return o.runScanIncremental(ctx)
	case "sync":
		return o.runStreamIncremental(ctx, false)
	case "psync":
		return o.runStreamIncremental(ctx, true)
	default:
		return fmt.Errorf("%w: unknown incremental method %q", model.ErrConfiguration, o.cfg.Sync.IncrementalSync.Method)
	}
}

// runScanIncremental runs one detection+apply cycle per target on every
// tick of sync.incremental_sync.interval.
func (o *Orchestrator) runScanIncremental(ctx context.Context) error {
	interval := o.cfg.Sync.IncrementalSync.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time, len(o.targets))
	for name := range o.targets {
		lastRun[name] = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			var tasks []coordinator.Task
			for name, t := range o.targets {
				name, t := name, t
				if t.state.Phase() == model.PhaseUnhealthy {
					if t.state.ReadyForRecovery() {
						if !o.connMgr.Ping(ctx, t.client) {
							rebuilt := o.connMgr.Reconnect(ctx, t.client, connmgr.Options{
								Name:     t.entry.Name,
								Addr:     fmt.Sprintf("%s:%d", t.entry.Host, t.entry.Port),
								Password: t.entry.Password,
								DB:       t.entry.DB,
								TLS:      t.tlsCfg,
							})
							if rebuilt == nil {
								continue
							}
							t.client = rebuilt
						}
						t.state.BeginRecovery()
						o.runFullSyncOne(ctx, t)
					}
					continue
				}
				tasks = append(tasks, coordinator.Task{
					TargetName: name,
					Run: func(taskCtx context.Context) error {
						return o.scanCycleOne(taskCtx, t, lastRun[name])
					},
				})
			}
			outcomes := o.pool.DispatchKeyBatch(tasks)
			for _, out := range outcomes {
				if out.Err != nil {
					o.targets[out.TargetName].state.RecordFailure(out.Err)
				}
			}
			for name := range lastRun {
				lastRun[name] = now
			}
		}
	}
}

func (o *Orchestrator) scanCycleOne(ctx context.Context, t *targetRuntime, lastRun time.Time) error {
	det := scanmode.New(o.sourceClient, t.client)
	changes, err := det.Detect(ctx, scanmode.Options{
		Pattern:           o.cfg.Sync.IncrementalSync.KeyPattern,
		KeyTypes:          o.keyTypeFilter,
		MaxChangesPerSync: o.cfg.Sync.IncrementalSync.MaxChangesPerSync,
	}, lastRun)
	if err != nil {
		return err
	}
	if len(changes.Keys) == 0 {
		return nil
	}

	mig := migrator.New(o.sourceClient, t.client, o.logger)
	migrated, failed := mig.MigrateKeys(ctx, changes.Keys, true, o.cfg.Sync.FullSync.BatchSize)
	t.state.RecordSuccess(uint64(migrated))
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d keys failed to apply", model.ErrSync, failed, len(changes.Keys))
	}
	return nil
}

// runStreamIncremental runs a single replica-protocol reader off the
// source (PSYNC or SYNC) and fans each decoded command out to every
// target through the coordinator pool, applying dedup first.
func (o *Orchestrator) runStreamIncremental(ctx context.Context, usePsync bool) error {
	dial := streamio.DialOptions{
		Addr:        fmt.Sprintf("%s:%d", o.cfg.Source.Host, o.cfg.Source.Port),
		DialTimeout: 30 * time.Second,
	}
	if o.cfg.Source.TLS.Enabled {
		tlsCfg, err := pki.NewClientTLSConfig(o.cfg.Source.TLS.CACert, o.cfg.Source.TLS.ClientCert, o.cfg.Source.TLS.ClientKey)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
		dial.TLS = tlsCfg
	}

	extraFiltered := make(map[string]bool, len(o.cfg.Sync.IncrementalSync.ExtraFilteredCommands))
	for _, name := range o.cfg.Sync.IncrementalSync.ExtraFilteredCommands {
		extraFiltered[strings.ToUpper(name)] = true
	}

	onCommand := func(cmd model.Command) error {
		if extraFiltered[cmd.Name()] {
			for _, t := range o.targets {
				t.stats.RecordSkipped()
			}
			return nil
		}
		now := time.Now()
		for _, t := range o.targets {
			t.stats.RecordCommand(cmd.Name(), now)
		}
		if o.dedupCache.Seen(cmd) {
			for _, t := range o.targets {
				t.stats.RecordDuplicate()
			}
			return nil
		}
		return o.fanOutCommand(ctx, cmd)
	}

	onSkipped := func(cmd model.Command) {
		for _, t := range o.targets {
			t.stats.RecordSkipped()
		}
	}

	var resume *psyncmode.ReplState
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var err error
		if usePsync {
			h := psyncmode.New(o.logger)
			var st psyncmode.ReplState
			st, err = h.Run(ctx, psyncmode.Options{
				DialOptions:    dial,
				RateLimitBytes: o.cfg.Sync.IncrementalSync.RateLimitBytesPerSec,
				BufferSize:     int(o.cfg.Sync.IncrementalSync.BufferSizeRaw),
			}, resume, onCommand, onSkipped)
			if st.ReplID != "" {
				resume = &st
			}
		} else {
			h := syncmode.New(o.logger)
			_, err = h.Run(ctx, syncmode.Options{
				DialOptions:    dial,
				RateLimitBytes: o.cfg.Sync.IncrementalSync.RateLimitBytesPerSec,
				BufferSize:     int(o.cfg.Sync.IncrementalSync.BufferSizeRaw),
			}, onCommand, onSkipped)
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			o.logger.Warn("replication stream broke, reconnecting", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (o *Orchestrator) fanOutCommand(ctx context.Context, cmd model.Command) error {
	tasks := make([]coordinator.Task, 0, len(o.targets))
	for name, t := range o.targets {
		t := t
		if t.state.Phase() == model.PhaseUnhealthy {
			continue
		}
		tasks = append(tasks, coordinator.Task{
			TargetName: name,
			Run: func(taskCtx context.Context) error {
				return o.applyCommand(taskCtx, t.client, cmd)
			},
		})
	}
	if len(tasks) == 0 {
		return nil
	}

	outcomes := o.pool.DispatchCommand(tasks)
	for _, out := range outcomes {
		t := o.targets[out.TargetName]
		if out.Err != nil {
			t.state.RecordFailure(out.Err)
			t.stats.RecordFailed()
			continue
		}
		t.state.RecordSuccess(1)
		t.stats.RecordSynced()
	}
	return nil
}

// applyCommand executes one fanned-out command against client, retrying
// through o.connMgr on transient network errors per spec.md §7.
func (o *Orchestrator) applyCommand(ctx context.Context, client *redis.Client, cmd model.Command) error {
	args := make([]interface{}, len(cmd))
	for i, a := range cmd {
		args[i] = a
	}
	return o.connMgr.ExecuteWithRetry(ctx, "apply "+cmd.Name(), func() error {
		return client.Do(ctx, args...).Err()
	})
}
