// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamio holds the raw-socket plumbing shared by the SYNC and
// PSYNC handlers: dialing (plain or mTLS), the RDB bulk-string skip, and
// throttled reads on long-haul replication links. Neither handler talks
// to the source through go-redis: replica-mode streaming has no
// client-side API, so both read directly off a net.Conn.
package streamio

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/nishisan-dev/redis-fanout/internal/resp"
	"golang.org/x/time/rate"
)

// DialOptions describes the source endpoint to open a replication socket to.
type DialOptions struct {
	Addr        string
	TLS         *tls.Config
	DialTimeout time.Duration
}

// Dial opens a TCP connection to opts.Addr, wrapping it in TLS when
// opts.TLS is set.
func Dial(ctx context.Context, opts DialOptions) (net.Conn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", model.ErrConnection, opts.Addr, err)
	}
	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: TLS handshake with %s: %v", model.ErrConnection, opts.Addr, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// maxThrottleBurst caps a single throttled read chunk, mirroring the
// teacher's write-side throttle's burst ceiling.
const maxThrottleBurst = 256 * 1024

// ThrottledReader rate-limits Read calls against a token bucket, for
// capping bandwidth consumed off a replication link per
// sync.incremental_sync.rate_limit_bytes_per_sec.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader returns a reader capped at bytesPerSec. If
// bytesPerSec <= 0 it returns r unchanged (bypass).
func NewThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &ThrottledReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read waits for enough tokens to cover len(p) (capped at the burst size)
// before delegating to the underlying reader.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	chunk := len(p)
	if chunk > tr.limiter.Burst() {
		chunk = tr.limiter.Burst()
	}
	if err := tr.limiter.WaitN(tr.ctx, chunk); err != nil {
		return 0, err
	}
	return tr.r.Read(p[:chunk])
}

// SkipRDB reads one RDB preamble off br: a `$<len>\r\n` bulk-string header
// followed by exactly len bytes with no trailing CRLF (Redis's RDB
// transfer is the one bulk reply that omits it). deadline bounds the whole
// read per spec.md's 300s RDB-transfer timeout.
func SkipRDB(conn net.Conn, br *bufio.Reader, deadline time.Duration) (int64, error) {
	if deadline > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		defer conn.SetReadDeadline(time.Time{})
	}

	line, err := br.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("%w: reading RDB header: %v", model.ErrSync, err)
	}
	line = trimCRLF(line)
	if len(line) == 0 || line[0] != '$' {
		return 0, fmt.Errorf("%w: expected RDB bulk header, got %q", model.ErrMalformed, line)
	}
	length, err := resp.ParseBulkLen([]byte(line[1:]))
	if err != nil {
		return 0, err
	}

	n, err := io.CopyN(io.Discard, br, length)
	if err != nil {
		return n, fmt.Errorf("%w: discarding RDB body: %v", model.ErrSync, err)
	}
	return n, nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
