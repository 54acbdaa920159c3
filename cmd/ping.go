package cmd

import (
	"context"
	"fmt"
	"time"

	portlink "github.com/ggoodman/portlink-go"
	"github.com/ggoodman/portlink-go/transport/streamtransport"
	"github.com/spf13/cobra"
)

func newPingCmd(a *app) *cobra.Command {
	var (
		addr    string
		count   int
		timeout time.Duration
		connect time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Open a session to a peer and measure round trips",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			return a.ping(cmd, addr, count, timeout, connect)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7420", "TCP address of the peer")
	cmd.Flags().IntVar(&count, "count", 3, "number of pings to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "timeout for each ping")
	cmd.Flags().DurationVar(&connect, "connect-timeout", 10*time.Second, "how long to keep retrying the connection")
	return cmd
}

func (a *app) ping(cmd *cobra.Command, addr string, count int, timeout, connect time.Duration) error {
	s, err := a.loadSettings()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	l, err := portlink.New(ctx, portlink.Config{Name: s.Name, LogHandler: a.logHandler(s)})
	if err != nil {
		return err
	}
	defer func() { _, _ = l.Shutdown(context.WithoutCancel(ctx)) }()

	cctx, cancel := context.WithTimeout(ctx, connect)
	defer cancel()
	sid, err := l.Connect(cctx, addr, streamtransport.Dialer{Network: "tcp", Address: addr})
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	out := cmd.OutOrStdout()
	var total time.Duration
	for i := 0; i < count; i++ {
		rtt, err := l.RPC.Ping(ctx, sid, timeout)
		if err != nil {
			return fmt.Errorf("ping %d: %w", i+1, err)
		}
		total += rtt
		_, _ = fmt.Fprintf(out, "pong from %s seq=%d time=%s\n", addr, i+1, rtt)
	}
	_, _ = fmt.Fprintf(out, "%d pings, avg %s\n", count, total/time.Duration(count))
	return nil
}
