package streamtransport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/transport"
)

func TestFramesOverNetPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	a := New(c1)
	b := New(c2)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	go func() {
		_ = a.Send(ctx, []byte(`{"type":"PING"}`))
		_ = a.Send(ctx, []byte(`{"type":"EVENT"}`))
	}()
	for _, want := range []string{`{"type":"PING"}`, `{"type":"EVENT"}`} {
		select {
		case got := <-b.Inbound():
			if string(got) != want {
				t.Fatalf("got %s want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out")
		}
	}
}

func TestEOFClosesConn(t *testing.T) {
	r, w := io.Pipe()
	c := NewPipe(r, io.Discard)
	_ = w.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("conn not closed on EOF")
	}
	if !errors.Is(c.Err(), transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", c.Err())
	}
	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, transport.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestTCPDialer(t *testing.T) {
	l, err := Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp unavailable: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Dialer{Network: "tcp", Address: l.Addr().String()}.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer client.Close()

	var server transport.Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	defer server.Close()

	if err := client.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-server.Inbound():
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("read timed out")
	}
}

func TestDialerUnavailable(t *testing.T) {
	_, err := Dialer{Network: "unix", Address: "/nonexistent/portlink.sock"}.Open(context.Background())
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}
