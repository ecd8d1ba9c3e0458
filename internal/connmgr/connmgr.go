// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connmgr builds the Redis clients used by every other
// component: one for the source, one per target. It owns reconnect with
// exponential backoff and health-checking, grounded on
// redis_sync/connection_manager.py.
package connmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackoffConfig parameterizes the exponential-backoff retry loop used by
// Connect and ExecuteWithRetry. Defaults match spec.md §4.1.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Attempts     int
}

// DefaultBackoff returns the spec's default retry policy.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Factor:       2,
		MaxDelay:     60 * time.Second,
		Attempts:     5,
	}
}

// delay computes min(initial * factor^(n-1), max), n 1-based.
func (b BackoffConfig) delay(attempt int) time.Duration {
	d := float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	return time.Duration(d)
}

// Options describes one Redis endpoint to connect to.
type Options struct {
	Name     string
	Addr     string
	Password string
	DB       int
	TLS      *tls.Config
}

// Manager builds the source and per-target clients and mediates
// reconnects. It keeps no reference to the clients it returns; callers
// own them. Safe for concurrent use; go-redis clients are themselves
// pool-backed and safe for concurrent use.
type Manager struct {
	backoff BackoffConfig
	logger  *slog.Logger
}

// New returns a Manager using backoff for Connect/ExecuteWithRetry.
func New(backoff BackoffConfig, logger *slog.Logger) *Manager {
	return &Manager{backoff: backoff, logger: logger}
}

// Connect builds a client for opts and retries with exponential backoff
// until a PING succeeds or Attempts is exhausted.
func (m *Manager) Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := m.build(opts)

	var lastErr error
	for attempt := 1; attempt <= m.backoff.Attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			if m.logger != nil {
				m.logger.Info("connected", "target", opts.Name, "addr", opts.Addr)
			}
			return client, nil
		}
		lastErr = err
		if attempt < m.backoff.Attempts {
			wait := m.backoff.delay(attempt)
			if m.logger != nil {
				m.logger.Warn("connect failed, retrying", "target", opts.Name, "attempt", attempt, "wait", wait, "err", err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("connecting to %s (%s): %w", opts.Name, opts.Addr, lastErr)
}

func (m *Manager) build(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		Password:        opts.Password,
		DB:              opts.DB,
		TLSConfig:       opts.TLS,
		DialTimeout:     30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		PoolSize:        10,
		HealthCheckInterval: 30 * time.Second,
		// Managed Redis offerings (e.g. some cloud providers) reject
		// CLIENT SETINFO; DisableIdentity skips it, matching the
		// original's policy of nulling out client_name/lib_name/lib_version.
		DisableIdentity: true,
	})
}

// Ping reports whether client is reachable right now.
func (m *Manager) Ping(ctx context.Context, client *redis.Client) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err() == nil
}

// Reconnect rebuilds the client from opts using Connect's retry policy,
// closing the old client. Returns nil if reconnection exhausts its attempts.
func (m *Manager) Reconnect(ctx context.Context, old *redis.Client, opts Options) *redis.Client {
	if old != nil {
		_ = old.Close()
	}
	client, err := m.Connect(ctx, opts)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("reconnect failed", "target", opts.Name, "err", err)
		}
		return nil
	}
	return client
}

// ExecuteWithRetry runs op, retrying with exponential backoff when op
// returns a retryable (transient network) error. Non-network errors
// propagate immediately without retry, per spec.md §4.1.
func (m *Manager) ExecuteWithRetry(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= m.backoff.Attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < m.backoff.Attempts {
			wait := m.backoff.delay(attempt)
			if m.logger != nil {
				m.logger.Warn("operation failed, retrying", "op", name, "attempt", attempt, "wait", wait, "err", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("executing %s: %w", name, lastErr)
}

// IsRetryable reports whether err looks like a transient network error
// (timeout, connection reset/refused, EOF) as opposed to a Redis-level
// error reply (WRONGTYPE, BUSYKEY, ...), which must not trigger a retry.
func IsRetryable(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}
