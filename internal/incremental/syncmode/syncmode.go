// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package syncmode implements the legacy SYNC replication handshake: a
// single SYNC command, the RDB as one bulk reply with no offset
// negotiation, then the same command stream PSYNC would have produced.
// Grounded on redis_sync/sync_handler.py.
package syncmode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/incremental/streamio"
	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/nishisan-dev/redis-fanout/internal/resp"
)

// Options configures one SYNC session.
type Options struct {
	streamio.DialOptions
	RDBTimeout     time.Duration // default 300s
	ReadTimeout    time.Duration // per-read socket timeout, default 1s
	RateLimitBytes int64         // 0 = unthrottled
	BufferSize     int           // read buffer size in bytes, default 64KiB; sync.incremental_sync.buffer_size
}

// Handler drives one SYNC connection to a source and hands decoded
// commands to onCommand until ctx is cancelled or the link breaks.
type Handler struct {
	logger *slog.Logger
}

// New returns a Handler.
func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// OnCommand is invoked once per decoded command from the replication
// stream, already stripped of the RDB preamble.
type OnCommand func(cmd model.Command) error

// OnSkipped is invoked once per decoded command dropped by the
// replication-stream denylist (resp.IsFiltered), so callers can count
// it toward the skipped-commands statistic.
type OnSkipped func(cmd model.Command)

// Run opens one SYNC connection, discards the RDB, and streams decoded
// commands to onCommand until ctx is done or an unrecoverable error
// occurs. It returns the total raw bytes read from the wire after the
// RDB preamble (the SYNC analogue of a replication offset, even though
// SYNC itself has no offset concept to report back). onSkipped may be
// nil.
func (h *Handler) Run(ctx context.Context, opts Options, onCommand OnCommand, onSkipped OnSkipped) (int64, error) {
	if opts.RDBTimeout <= 0 {
		opts.RDBTimeout = 300 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}

	conn, err := streamio.Dial(ctx, opts.DialOptions)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.Write(resp.EncodeCommand(model.Command{[]byte("SYNC")})); err != nil {
		return 0, fmt.Errorf("%w: sending SYNC: %v", model.ErrConnection, err)
	}

	br := bufio.NewReader(conn)
	if _, err := streamio.SkipRDB(conn, br, opts.RDBTimeout); err != nil {
		return 0, err
	}
	if h.logger != nil {
		h.logger.Info("SYNC handshake complete, streaming")
	}

	var bytesRead int64
	reader := io.Reader(br)
	if opts.RateLimitBytes > 0 {
		reader = streamio.NewThrottledReader(ctx, br, opts.RateLimitBytes)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	dec := resp.NewDecoder()
	buf := make([]byte, bufSize)

	for {
		select {
		case <-ctx.Done():
			return bytesRead, ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		n, err := reader.Read(buf)
		if n > 0 {
			bytesRead += int64(n)
			dec.Feed(buf[:n])
			for {
				cmd, _, derr := dec.Next()
				if derr == model.ErrNeedMore {
					break
				}
				if derr != nil {
					return bytesRead, derr
				}
				if resp.IsFiltered(cmd) {
					if onSkipped != nil {
						onSkipped(cmd)
					}
					continue
				}
				if err := onCommand(cmd); err != nil {
					return bytesRead, err
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return bytesRead, fmt.Errorf("%w: reading SYNC stream: %v", model.ErrConnection, err)
		}
	}
}
