// Package streamtransport frames messages as newline-delimited JSON over any
// byte stream: stdio pipes, TCP or unix sockets.
package streamtransport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ggoodman/portlink-go/transport"
)

// MaxFrameSize bounds a single inbound line.
const MaxFrameSize = 4 << 20

type conn struct {
	rwc io.ReadWriteCloser
	in  chan []byte

	wmu sync.Mutex
	w   *bufio.Writer

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ transport.Conn = (*conn)(nil)

// New wraps rwc. A reader goroutine runs until rwc returns an error.
func New(rwc io.ReadWriteCloser) transport.Conn {
	c := &conn{
		rwc:  rwc,
		in:   make(chan []byte, 64),
		w:    bufio.NewWriter(rwc),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	sc := bufio.NewScanner(c.rwc)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		select {
		case c.in <- frame:
		case <-c.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err))
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, c.Err())
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, ctx.Err())
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

func (c *conn) Inbound() <-chan []byte { return c.in }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.rwc.Close()
	})
}

// Dialer opens stream connections with net.Dialer.
type Dialer struct {
	Network string
	Address string
}

var _ transport.Transport = Dialer{}

func (d Dialer) Open(ctx context.Context) (transport.Conn, error) {
	var nd net.Dialer
	nc, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	return New(nc), nil
}

// Listener adapts a net.Listener.
type Listener struct {
	nl net.Listener
}

var _ transport.Listener = (*Listener)(nil)

// Listen announces on the local network address.
func Listen(network, address string) (*Listener, error) {
	nl, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return &Listener{nl: nl}, nil
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr { return l.nl.Addr() }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.nl.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, transport.ErrClosed
			}
			return nil, r.err
		}
		return New(r.c), nil
	case <-ctx.Done():
		// The pending Accept returns once the listener closes.
		go func() {
			if r := <-ch; r.c != nil {
				_ = r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error { return l.nl.Close() }

type pipeRWC struct {
	io.Reader
	io.Writer
	closer func() error
}

func (p pipeRWC) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

// NewPipe frames over a separate reader and writer, such as os.Stdin and
// os.Stdout. Close closes whichever of r and w implement io.Closer.
func NewPipe(r io.Reader, w io.Writer) transport.Conn {
	return New(pipeRWC{Reader: r, Writer: w, closer: func() error {
		var errs []error
		if rc, ok := r.(io.Closer); ok {
			errs = append(errs, rc.Close())
		}
		if wc, ok := w.(io.Closer); ok {
			errs = append(errs, wc.Close())
		}
		return errors.Join(errs...)
	}})
}
