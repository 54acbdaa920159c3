// Package memtransport provides in-process transport channels. It is used by
// tests and by deployments where both runtime contexts share one process.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/portlink-go/transport"
)

const inboundBuffer = 64

type conn struct {
	in   chan []byte
	peer *conn

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ transport.Conn = (*conn)(nil)

// Pair returns two connected ends. Closing either end disconnects both.
func Pair() (transport.Conn, transport.Conn) {
	a := &conn{in: make(chan []byte, inboundBuffer), done: make(chan struct{})}
	b := &conn{in: make(chan []byte, inboundBuffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, c.Err())
	case <-c.peer.done:
		return fmt.Errorf("%w: peer gone", transport.ErrSendFailed)
	default:
	}
	select {
	case c.peer.in <- buf:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, c.Err())
	case <-c.peer.done:
		return fmt.Errorf("%w: peer gone", transport.ErrSendFailed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, ctx.Err())
	}
}

// Inbound is never closed; readers watch Done.
func (c *conn) Inbound() <-chan []byte { return c.in }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.shutdown(transport.ErrClosed)
	c.peer.shutdown(fmt.Errorf("%w: peer closed", transport.ErrClosed))
	return nil
}

func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Network is a registry of named in-process listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers a listener under name.
func (n *Network) Listen(name string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("memtransport: %q already listening", name)
	}
	l := &Listener{name: name, net: n, accept: make(chan transport.Conn, 16), done: make(chan struct{})}
	n.listeners[name] = l
	return l, nil
}

// Transport returns a transport that dials the listener registered under
// name at Open time.
func (n *Network) Transport(name string) transport.Transport {
	return transport.Func(func(ctx context.Context) (transport.Conn, error) {
		return n.dial(ctx, name)
	})
}

func (n *Network) dial(ctx context.Context, name string) (transport.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener %q", transport.ErrTransportUnavailable, name)
	}
	local, remote := Pair()
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: listener %q closed", transport.ErrTransportUnavailable, name)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, ctx.Err())
	}
}

// Listener accepts connections dialed through its Network.
type Listener struct {
	name   string
	net    *Network
	accept chan transport.Conn
	done   chan struct{}
	once   sync.Once
}

var _ transport.Listener = (*Listener)(nil)

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		l.net.mu.Lock()
		if l.net.listeners[l.name] == l {
			delete(l.net.listeners, l.name)
		}
		l.net.mu.Unlock()
		close(l.done)
	})
	return nil
}
