package syncmode

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/incremental/streamio"
	"github.com/nishisan-dev/redis-fanout/internal/model"
)

// fakeSource accepts one connection, reads the SYNC command, replies with
// a tiny RDB bulk and one SET command, then blocks until the test is done.
func fakeSource(t *testing.T, ln net.Listener, done <-chan struct{}) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil { // "*1\r\n"
		t.Errorf("reading SYNC array header: %v", err)
		return
	}
	if _, err := br.ReadString('\n'); err != nil { // "$4\r\n"
		return
	}
	if _, err := br.ReadString('\n'); err != nil { // "SYNC\r\n"
		return
	}

	rdb := []byte("REDIS0011fakebody")
	if _, err := conn.Write([]byte("$17\r\n")); err != nil {
		return
	}
	if _, err := conn.Write(rdb); err != nil {
		return
	}

	set := []byte("*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\n1\r\n")
	if _, err := conn.Write(set); err != nil {
		return
	}

	<-done
}

func TestHandlerRunStreamsOneCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go fakeSource(t, ln, done)

	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan model.Command, 1)
	go func() {
		_, _ = h.Run(ctx, Options{
			DialOptions: streamio.DialOptions{Addr: ln.Addr().String(), DialTimeout: 2 * time.Second},
			ReadTimeout: 200 * time.Millisecond,
		}, func(cmd model.Command) error {
			received <- cmd
			return nil
		}, nil)
	}()

	select {
	case cmd := <-received:
		if cmd.Name() != "SET" {
			t.Fatalf("want SET, got %s", cmd.Name())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for streamed command")
	}

	cancel()
	close(done)
}
