// Package transport is the I/O boundary of the layer. A Conn moves opaque
// frames in both directions and signals when the physical channel is gone.
// Nothing in this package retries or validates.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTransportUnavailable is returned when a channel cannot be opened.
	ErrTransportUnavailable = errors.New("transport: unavailable")
	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("transport: send failed")
	// ErrClosed is reported by a Conn after Close or peer disconnect.
	ErrClosed = errors.New("transport: closed")
)

// Conn is one physical duplex channel.
type Conn interface {
	// Send writes one frame. It fails with ErrSendFailed once the channel is
	// gone.
	Send(ctx context.Context, frame []byte) error
	// Inbound delivers frames in arrival order. It may stay open after the
	// channel is gone, so readers must watch Done as well.
	Inbound() <-chan []byte
	// Done is closed when the channel is gone for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Transport opens outbound channels to one logical endpoint.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
}

// Listener yields inbound channels.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Func adapts a function to Transport.
type Func func(ctx context.Context) (Conn, error)

func (f Func) Open(ctx context.Context) (Conn, error) { return f(ctx) }
