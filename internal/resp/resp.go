// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package resp implements the minimal subset of RESP2 needed to decode a
// Redis replica command stream and encode a REPLCONF ACK. It is not a
// general-purpose RESP client library: only multi-bulk arrays of bulk
// strings are understood, which is all a master ever sends on the
// replication link after the RDB preamble.
package resp

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

// Decoder pulls model.Command values out of a byte stream that may arrive
// in arbitrary TCP-fragmented chunks. Feed() appends data; Next() returns
// the next fully-buffered command.
//
// The decoder never discards the unconsumed tail: on NeedMore, the caller
// is expected to read more bytes and call Feed again.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly received bytes to the pending buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending returns the number of unconsumed bytes currently buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next attempts to decode one multi-bulk array from the buffered bytes.
// It returns the command and the number of raw wire bytes it consumed. If
// the buffer does not yet hold a complete command, it returns
// (nil, 0, model.ErrNeedMore) and leaves the buffer untouched. A malformed
// prefix returns model.ErrMalformed and the caller should abort the
// current replication attempt (reconnect).
func (d *Decoder) Next() (model.Command, int, error) {
	cmd, n, err := parseMultiBulk(d.buf)
	if err != nil {
		return nil, 0, err
	}
	if err == nil && cmd == nil {
		return nil, 0, model.ErrNeedMore
	}
	d.buf = d.buf[n:]
	return cmd, n, nil
}

// parseMultiBulk parses one `*N\r\n($L\r\n<bytes>\r\n)*N` array out of buf.
// Returns (nil, 0, nil) if buf does not yet contain a complete array.
func parseMultiBulk(buf []byte) (model.Command, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	if buf[0] != '*' {
		return nil, 0, fmt.Errorf("%w: expected '*', got %q", model.ErrMalformed, buf[0])
	}

	line, lineLen, ok := readLine(buf, 1)
	if !ok {
		return nil, 0, nil
	}
	count, err := strconv.Atoi(string(line))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad array count %q: %v", model.ErrMalformed, line, err)
	}
	if count < 0 {
		// Null array, e.g. a nil reply surfacing on the stream; treat as empty command.
		return model.Command{}, 1 + lineLen, nil
	}

	pos := 1 + lineLen
	cmd := make(model.Command, 0, count)

	for i := 0; i < count; i++ {
		if pos >= len(buf) {
			return nil, 0, nil
		}
		if buf[pos] != '$' {
			return nil, 0, fmt.Errorf("%w: expected '$', got %q", model.ErrMalformed, buf[pos])
		}
		elemLine, elemLineLen, ok := readLine(buf, pos+1)
		if !ok {
			return nil, 0, nil
		}
		elemLen, err := strconv.Atoi(string(elemLine))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad bulk length %q: %v", model.ErrMalformed, elemLine, err)
		}
		pos += 1 + elemLineLen

		if elemLen < 0 {
			cmd = append(cmd, nil)
			continue
		}
		need := pos + elemLen + 2 // payload + trailing CRLF
		if need > len(buf) {
			return nil, 0, nil
		}
		payload := make([]byte, elemLen)
		copy(payload, buf[pos:pos+elemLen])
		cmd = append(cmd, payload)
		pos += elemLen + 2
	}

	return cmd, pos, nil
}

// readLine returns the bytes between offset and the next CRLF (exclusive),
// plus the number of bytes consumed including the CRLF itself. ok is false
// if no CRLF was found yet.
func readLine(buf []byte, offset int) (line []byte, consumed int, ok bool) {
	idx := bytes.Index(buf[offset:], []byte("\r\n"))
	if idx < 0 {
		return nil, 0, false
	}
	return buf[offset : offset+idx], idx + 2, true
}

// EncodeReplconfAck returns the literal RESP bytes for
// `REPLCONF ACK <offset>`, the heartbeat a replica must emit periodically
// during PSYNC streaming.
func EncodeReplconfAck(offset int64) []byte {
	return EncodeCommand(model.Command{
		[]byte("REPLCONF"),
		[]byte("ACK"),
		[]byte(strconv.FormatInt(offset, 10)),
	})
}

// EncodeCommand renders a Command as a RESP multi-bulk array, matching how
// a Redis client encodes a request.
func EncodeCommand(cmd model.Command) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(cmd))
	for _, arg := range cmd {
		fmt.Fprintf(&buf, "$%d\r\n", len(arg))
		buf.Write(arg)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// ParseBulkLen parses the length out of a `$<len>\r\n` header already read
// into line (without the leading '$' and trailing CRLF).
func ParseBulkLen(line []byte) (int64, error) {
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad bulk length %q: %v", model.ErrMalformed, line, err)
	}
	return n, nil
}

// FilteredCommands is the denylist of replication-stream commands that are
// never forwarded to targets: session/control chatter, not data mutations.
var FilteredCommands = map[string]bool{
	"PING":         true,
	"REPLCONF":     true,
	"SELECT":       true,
	"INFO":         true,
	"CONFIG":       true,
	"MONITOR":      true,
	"SUBSCRIBE":    true,
	"PSUBSCRIBE":   true,
	"UNSUBSCRIBE":  true,
	"PUNSUBSCRIBE": true,
}

// IsFiltered reports whether cmd's name is in the replication-stream
// denylist and should be dropped before reaching fan-out.
func IsFiltered(cmd model.Command) bool {
	return FilteredCommands[cmd.Name()]
}
