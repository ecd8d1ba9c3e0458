package resp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

func TestDecoderSingleCommand(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\n1\r\n"))

	cmd, n, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 27 {
		t.Fatalf("expected 27 bytes consumed, got %d", n)
	}
	want := model.Command{[]byte("SET"), []byte("x"), []byte("1")}
	if len(cmd) != len(want) {
		t.Fatalf("want %d elems, got %d", len(want), len(cmd))
	}
	for i := range want {
		if !bytes.Equal(cmd[i], want[i]) {
			t.Fatalf("elem %d: want %q got %q", i, want[i], cmd[i])
		}
	}
	if cmd.Name() != "SET" {
		t.Fatalf("Name() = %q", cmd.Name())
	}
}

func TestDecoderFragmented(t *testing.T) {
	full := []byte("*2\r\n$3\r\nDEL\r\n$1\r\nx\r\n")
	d := NewDecoder()

	for i := 0; i < len(full); i++ {
		d.Feed(full[i : i+1])
		_, _, err := d.Next()
		if i < len(full)-1 {
			if !errors.Is(err, model.ErrNeedMore) {
				t.Fatalf("byte %d: want ErrNeedMore, got %v", i, err)
			}
		} else {
			if err != nil {
				t.Fatalf("final byte: unexpected error %v", err)
			}
		}
	}
}

func TestDecoderMultipleCommandsInOneFeed(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n"))

	for i := 0; i < 2; i++ {
		cmd, _, err := d.Next()
		if err != nil {
			t.Fatalf("cmd %d: unexpected error %v", i, err)
		}
		if cmd.Name() != "PING" {
			t.Fatalf("cmd %d: want PING got %q", i, cmd.Name())
		}
	}
	_, _, err := d.Next()
	if !errors.Is(err, model.ErrNeedMore) {
		t.Fatalf("want ErrNeedMore after drain, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("want empty buffer after drain, got %d pending", d.Pending())
	}
}

func TestDecoderMalformedPrefix(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("+OK\r\n"))
	_, _, err := d.Next()
	if !errors.Is(err, model.ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestEncodeReplconfAck(t *testing.T) {
	got := EncodeReplconfAck(12345)
	want := "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$5\r\n12345\r\n"
	if string(got) != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestIsFiltered(t *testing.T) {
	if !IsFiltered(model.Command{[]byte("ping")}) {
		t.Fatalf("PING should be filtered regardless of case")
	}
	if IsFiltered(model.Command{[]byte("SET")}) {
		t.Fatalf("SET must not be filtered")
	}
}
