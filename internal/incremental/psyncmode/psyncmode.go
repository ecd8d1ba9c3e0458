// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package psyncmode implements the PSYNC replica handshake, RDB-body
// skip, streaming command reader and REPLCONF ACK loop described in
// spec.md §4.6, grounded on redis_sync/psync_incremental_handler.py. The
// REPLCONF ACK heartbeat is structurally the teacher's full-duplex
// control-channel ping loop retargeted at Redis's own ACK command.
package psyncmode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/incremental/streamio"
	"github.com/nishisan-dev/redis-fanout/internal/model"
	"github.com/nishisan-dev/redis-fanout/internal/resp"
)

// HandshakeState is the position in the PSYNC lifecycle, surfaced for
// diagnostics and tests.
type HandshakeState string

const (
	StateHandshake HandshakeState = "HANDSHAKE"
	StatePsyncSent HandshakeState = "PSYNC_SENT"
	StateRDBSkip   HandshakeState = "RDB_SKIP"
	StateStreaming HandshakeState = "STREAMING"
)

// Options configures one PSYNC session.
type Options struct {
	streamio.DialOptions
	ListeningPort  int // reported via REPLCONF listening-port
	RDBTimeout     time.Duration
	ReadTimeout    time.Duration
	AckInterval    time.Duration // minimum spacing between REPLCONF ACKs, default 1s
	RateLimitBytes int64
	BufferSize     int // read buffer size in bytes, default 64KiB; sync.incremental_sync.buffer_size
}

// ReplState carries the (repl_id, offset) pair a CONTINUE reconnect needs
// to resume rather than trigger a fresh FULLRESYNC.
type ReplState struct {
	ReplID string
	Offset int64
}

// OnCommand is invoked once per decoded, non-filtered command.
type OnCommand func(cmd model.Command) error

// OnSkipped is invoked once per decoded command dropped by the
// replication-stream denylist (resp.IsFiltered), so callers can count
// it toward the skipped-commands statistic.
type OnSkipped func(cmd model.Command)

// Handler drives one PSYNC connection to a source.
type Handler struct {
	logger *slog.Logger
}

// New returns a Handler.
func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// Run performs the handshake, skips the RDB preamble (FULLRESYNC) or
// resumes straight into the stream (CONTINUE), then streams decoded
// commands to onCommand until ctx is cancelled or the link breaks. It
// returns the ReplState to hand to the next Run call on reconnect.
// onSkipped may be nil; it is invoked for every denylisted command
// dropped before reaching onCommand.
func (h *Handler) Run(ctx context.Context, opts Options, resume *ReplState, onCommand OnCommand, onSkipped OnSkipped) (ReplState, error) {
	if opts.RDBTimeout <= 0 {
		opts.RDBTimeout = 300 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.AckInterval <= 0 {
		opts.AckInterval = time.Second
	}

	conn, err := streamio.Dial(ctx, opts.DialOptions)
	if err != nil {
		return ReplState{}, err
	}
	defer conn.Close()

	br := bufio.NewReader(conn)

	if err := h.handshake(conn, br, opts); err != nil {
		return ReplState{}, err
	}

	replID, offset, isFullResync, err := h.psync(conn, br, resume)
	if err != nil {
		return ReplState{}, err
	}

	if isFullResync {
		n, err := streamio.SkipRDB(conn, br, opts.RDBTimeout)
		if err != nil {
			return ReplState{}, err
		}
		// The RDB body precedes the command backlog and is not itself
		// part of it: the master's FULLRESYNC offset already marks where
		// the command stream starts, so it must not be inflated by the
		// RDB's byte count.
		if h.logger != nil {
			h.logger.Info("PSYNC full resync, RDB skipped", "repl_id", replID, "rdb_bytes", n)
		}
	} else if h.logger != nil {
		h.logger.Info("PSYNC continue, resuming stream", "repl_id", replID, "offset", offset)
	}

	finalOffset, err := h.stream(ctx, conn, br, opts, offset, onCommand, onSkipped)
	return ReplState{ReplID: replID, Offset: finalOffset}, err
}

// handshake runs PING, REPLCONF listening-port, REPLCONF capa eof,
// REPLCONF capa psync2, checking for a +OK/+PONG simple-string reply
// after each.
func (h *Handler) handshake(conn net.Conn, br *bufio.Reader, opts Options) error {
	steps := []model.Command{
		{[]byte("PING")},
		{[]byte("REPLCONF"), []byte("listening-port"), []byte(strconv.Itoa(opts.ListeningPort))},
		{[]byte("REPLCONF"), []byte("capa"), []byte("eof")},
		{[]byte("REPLCONF"), []byte("capa"), []byte("psync2")},
	}
	for _, step := range steps {
		if _, err := conn.Write(resp.EncodeCommand(step)); err != nil {
			return fmt.Errorf("%w: sending %s: %v", model.ErrReplConf, step.Name(), err)
		}
		if _, err := readSimpleString(br); err != nil {
			return fmt.Errorf("%w: handshake step %s: %v", model.ErrReplConf, step.Name(), err)
		}
	}
	return nil
}

// psync sends PSYNC <id|?> <offset|-1> and parses the FULLRESYNC/CONTINUE
// reply line.
func (h *Handler) psync(conn net.Conn, br *bufio.Reader, resume *ReplState) (replID string, offset int64, isFullResync bool, err error) {
	id, off := "?", "-1"
	if resume != nil && resume.ReplID != "" {
		id = resume.ReplID
		off = strconv.FormatInt(resume.Offset+1, 10)
	}

	cmd := model.Command{[]byte("PSYNC"), []byte(id), []byte(off)}
	if _, err := conn.Write(resp.EncodeCommand(cmd)); err != nil {
		return "", 0, false, fmt.Errorf("%w: sending PSYNC: %v", model.ErrReplication, err)
	}

	line, err := readSimpleString(br)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: reading PSYNC reply: %v", model.ErrReplication, err)
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0, false, fmt.Errorf("%w: empty PSYNC reply", model.ErrReplication)
	}

	switch strings.ToUpper(fields[0]) {
	case "FULLRESYNC":
		if len(fields) != 3 {
			return "", 0, false, fmt.Errorf("%w: malformed FULLRESYNC reply %q", model.ErrReplication, line)
		}
		off, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return "", 0, false, fmt.Errorf("%w: bad FULLRESYNC offset %q: %v", model.ErrReplication, fields[2], err)
		}
		return fields[1], off, true, nil
	case "CONTINUE":
		id := resume.ReplID
		if len(fields) >= 2 && fields[1] != "" {
			id = fields[1]
		}
		return id, resume.Offset, false, nil
	default:
		return "", 0, false, fmt.Errorf("%w: unexpected PSYNC reply %q", model.ErrReplication, line)
	}
}

// stream reads the command stream after the handshake/RDB phase,
// decoding with resp.Decoder, dropping denylisted commands, dispatching
// the rest to onCommand, and emitting REPLCONF ACK at least every
// AckInterval. offset advances by the raw bytes received per Read call
// (see DESIGN.md's resolution of the replication-offset Open Question).
func (h *Handler) stream(ctx context.Context, conn net.Conn, br *bufio.Reader, opts Options, startOffset int64, onCommand OnCommand, onSkipped OnSkipped) (int64, error) {
	offset := startOffset
	lastAck := time.Time{}

	var reader io.Reader = br
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
			return offset, ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		n, err := reader.Read(buf)
		if n > 0 {
			offset += int64(n)
			dec.Feed(buf[:n])
			for {
				cmd, _, derr := dec.Next()
				if derr == model.ErrNeedMore {
					break
				}
				if derr != nil {
					return offset, derr
				}
				if resp.IsFiltered(cmd) {
					if onSkipped != nil {
						onSkipped(cmd)
					}
					continue
				}
				if err := onCommand(cmd); err != nil {
					return offset, err
				}
			}
		}

		if time.Since(lastAck) >= opts.AckInterval {
			if _, werr := conn.Write(resp.EncodeReplconfAck(offset)); werr != nil {
				return offset, fmt.Errorf("%w: sending REPLCONF ACK: %v", model.ErrReplConf, werr)
			}
			lastAck = time.Now()
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return offset, fmt.Errorf("%w: reading PSYNC stream: %v", model.ErrConnection, err)
		}
	}
}

// readSimpleString reads one CRLF-terminated reply line and strips a
// leading '+' or '-' status marker if present.
func readSimpleString(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return "", fmt.Errorf("%w: empty reply line", model.ErrMalformed)
	}
	switch line[0] {
	case '+', '-':
		return line[1:], nil
	default:
		return line, nil
	}
}
