// Package sessiontest wires two registries over an in-process network for
// tests of the layers that sit on top of sessions.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/transport/memtransport"
)

// Link is an established session between a dialing and an accepting
// registry.
type Link struct {
	Network *memtransport.Network
	Dialer  *session.Registry
	Server  *session.Registry

	// DialerID and ServerID name the same session on each side.
	DialerID string
	ServerID string
}

// Connect builds both registries, routes their inbound traffic with the
// given handlers (nil leaves a side unrouted) and establishes one session.
// Everything is torn down with t.Cleanup.
func Connect(t testing.TB, cfg *config.Store, dialerRoute, serverRoute session.HandlerFunc) *Link {
	t.Helper()
	if cfg == nil {
		cfg = config.New(nil)
	}
	network := memtransport.NewNetwork()
	l, err := network.Listen("server")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	dialer := session.New(cfg, session.WithName("dialer"))
	server := session.New(cfg, session.WithName("server"))
	if dialerRoute != nil {
		dialer.Route(dialerRoute)
	}
	if serverRoute != nil {
		server.Route(serverRoute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = server.Serve(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
		<-served
		_ = dialer.Close()
		_ = server.Close()
	})

	id, err := dialer.Connect(ctx, "server", network.Transport("server"), time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	desc, ok := dialer.Get(id)
	if !ok {
		t.Fatalf("dialer lost session %s", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := server.Get(desc.PeerID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never registered session %s", desc.PeerID)
		}
		time.Sleep(time.Millisecond)
	}

	return &Link{
		Network:  network,
		Dialer:   dialer,
		Server:   server,
		DialerID: id,
		ServerID: desc.PeerID,
	}
}
