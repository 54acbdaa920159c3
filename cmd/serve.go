package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	portlink "github.com/ggoodman/portlink-go"
	"github.com/ggoodman/portlink-go/adminhttp"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/transport/streamtransport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen string
		admin  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers over TCP until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd, listen, admin)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7420", "TCP address to accept peers on")
	cmd.Flags().StringVar(&admin, "admin", "", "HTTP address for the admin API and /metrics (disabled when empty)")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command, listen, admin string) error {
	s, err := a.loadSettings()
	if err != nil {
		return err
	}
	kv, err := a.openStore(s)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	caps, err := s.Checker(ctx)
	if err != nil {
		return fmt.Errorf("capability checker: %w", err)
	}
	reg := prometheus.NewRegistry()
	l, err := portlink.New(ctx, portlink.Config{
		Name:         s.Name,
		Store:        kv,
		ConfigFile:   s.ConfigFile,
		Capabilities: caps,
		SigningKey:   []byte(s.SnapshotKey),
		Prometheus:   reg,
		LogHandler:   a.logHandler(s),
	})
	if err != nil {
		_ = kv.Close()
		return err
	}
	defer kv.Close()
	log := slog.New(a.logHandler(s))

	if snap, err := l.Restore(ctx); err == nil {
		log.InfoContext(ctx, "portlink.restored", slog.Int("sessions", len(snap.Sessions)), slog.Bool("emergency", snap.Emergency))
	} else if !errors.Is(err, recovery.ErrNoSnapshot) {
		log.WarnContext(ctx, "portlink.restore.fail", slog.String("err", err.Error()))
	}

	lst, err := streamtransport.Listen("tcp", listen)
	if err != nil {
		_, _ = l.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", lst.Addr())

	if admin != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", adminhttp.New(adminhttp.Deps{
			Config:    l.Config,
			Telemetry: l.Telemetry,
			Sessions:  l.Sessions,
			Recovery:  l.Recovery,
		}, adminhttp.WithLogger(log)))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		al, err := net.Listen("tcp", admin)
		if err != nil {
			_ = lst.Close()
			_, _ = l.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("admin listen: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "admin on http://%s\n", al.Addr())
		go func() { _ = srv.Serve(al) }()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(runCtx) }()
	serveErr := l.Serve(runCtx, lst)
	cancel()
	_ = lst.Close()

	snap, err := l.Shutdown(context.WithoutCancel(ctx))
	if err != nil {
		log.ErrorContext(context.WithoutCancel(ctx), "portlink.shutdown.fail", slog.String("err", err.Error()))
	} else {
		log.InfoContext(context.WithoutCancel(ctx), "portlink.shutdown.ok", slog.Int("sessions", len(snap.Sessions)), slog.Bool("emergency", snap.Emergency))
	}
	return errors.Join(serveErr, <-runErr)
}
