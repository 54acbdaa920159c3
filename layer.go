// Package portlink assembles the session and messaging layer: sessions over
// pluggable transports, correlated request/response, rate limiting, state
// synchronization, telemetry and crash recovery behind one Layer.
package portlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ggoodman/portlink-go/batch"
	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/internal/logctx"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/reconnect"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/rpc"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/statesync"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/memory"
	"github.com/ggoodman/portlink-go/telemetry"
	"github.com/ggoodman/portlink-go/telemetry/promsink"
	"github.com/ggoodman/portlink-go/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrLayerClosed is returned by operations started after Shutdown.
var ErrLayerClosed = errors.New("portlink: layer shut down")

// Config assembles a Layer.
type Config struct {
	// Name is announced to peers during the handshake.
	Name string

	// Store is the durable key-value store. When nil a bounded in-memory
	// store is used and nothing survives a restart. A supplied store is not
	// closed by Shutdown.
	Store storage.Store

	// ConfigFile holds TOML overrides for tunables; it is loaded on start
	// and watched while Run is active.
	ConfigFile string

	// Capabilities gates outbound calls. Nil grants everything.
	Capabilities capability.Checker

	// State is the local domain state pushed to peers. When nil the layer
	// only receives state.
	State statesync.Provider

	// SigningKey signs shutdown snapshots and is required to restore them.
	SigningKey []byte

	// Prometheus receives telemetry flushes when set.
	Prometheus prometheus.Registerer

	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Layer owns one instance of every component. Fields are exposed for
// direct use; they must not be replaced after New.
type Layer struct {
	Config    *config.Store
	Telemetry *telemetry.Aggregator
	Limiter   *ratelimit.Limiter
	Reconnect *reconnect.Policy
	Sessions  *session.Registry
	RPC       *rpc.Correlator
	Sync      *statesync.Engine
	Replica   *statesync.Replica
	Recovery  *recovery.Manager

	kv         storage.Store
	ownsStore  bool
	configFile string
	log        *slog.Logger

	mu       sync.Mutex
	shutdown bool
	detach   []func()
}

// durableKeys are never evicted from the in-memory store, so telemetry
// totals cannot push out tunables or the shutdown snapshot.
var durableKeys = []string{config.KeyPrefix, recovery.SnapshotKey}

// New wires the components together and loads persisted tunables. A storage
// failure while loading is not fatal; the layer starts on defaults.
func New(ctx context.Context, cfg Config) (*Layer, error) {
	h := cfg.LogHandler
	if h == nil {
		h = slog.NewTextHandler(io.Discard, nil)
	}
	log := slog.New(logctx.Handler{Handler: h})

	kv, owns := cfg.Store, false
	if kv == nil {
		mem, err := memory.New(10000, memory.WithPinned(durableKeys...))
		if err != nil {
			return nil, err
		}
		kv, owns = mem, true
	}

	l := &Layer{kv: kv, ownsStore: owns, configFile: cfg.ConfigFile, log: log}

	l.Config = config.New(kv,
		config.WithLogger(log),
		config.WithAlert(func(ctx context.Context, event string, err error) {
			if l.Telemetry != nil {
				l.Telemetry.Escalate(ctx, event, err)
			}
		}),
	)
	if err := l.Config.Load(ctx); err != nil {
		log.WarnContext(ctx, "portlink.config.defaults", slog.String("err", err.Error()))
	}
	if cfg.ConfigFile != "" {
		if err := l.Config.LoadFile(ctx, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	sinks := telemetry.MultiSink{telemetry.LogSink{Logger: log}, &telemetry.StorageSink{KV: kv}}
	if cfg.Prometheus != nil {
		ps, err := promsink.New(cfg.Prometheus)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink: %w", err)
		}
		sinks = append(sinks, ps)
	}
	l.Telemetry = telemetry.New(sinks, l.Config, telemetry.WithLogger(log))

	l.Limiter = ratelimit.New()
	l.Reconnect = reconnect.New(reconnect.DefaultConfig(), reconnect.WithLogger(log))
	l.applyTunables()

	name := cfg.Name
	if name == "" {
		name = "portlink"
	}
	l.Sessions = session.New(l.Config,
		session.WithName(name),
		session.WithLogger(log),
		session.WithRecorder(l.Telemetry),
	)
	l.RPC = rpc.New(l.Sessions, l.Config,
		rpc.WithLimiter(l.Limiter),
		rpc.WithCapabilities(cfg.Capabilities),
		rpc.WithRecorder(l.Telemetry),
		rpc.WithLogger(log),
		rpc.WithValidator(l.Sessions.Validator()),
	)
	l.detach = append(l.detach, l.RPC.Attach(l.Sessions))

	l.Replica = statesync.NewReplica()
	l.RPC.Handle(envelope.TypeStateDelta, l.Replica.Handle)
	if cfg.State != nil {
		l.Sync = statesync.NewEngine(cfg.State, l.RPC, l.Sessions, l.Config,
			statesync.WithRecorder(l.Telemetry),
			statesync.WithLogger(log),
		)
	}

	l.detach = append(l.detach, l.forgetDeparted())

	l.Recovery = recovery.New(kv, l.Config,
		recovery.WithSessions(l.Sessions),
		recovery.WithCalls(l.RPC),
		recovery.WithTelemetry(l.Telemetry),
		recovery.WithConfig(l.Config),
		recovery.WithSigningKey(cfg.SigningKey),
		recovery.WithLogger(log),
	)
	return l, nil
}

// Open builds a Layer from environment settings.
func Open(ctx context.Context, s Settings, state statesync.Provider, h slog.Handler) (*Layer, error) {
	kv, err := s.OpenStore()
	if err != nil {
		return nil, err
	}
	caps, err := s.Checker(ctx)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	l, err := New(ctx, Config{
		Name:         s.Name,
		Store:        kv,
		ConfigFile:   s.ConfigFile,
		Capabilities: caps,
		State:        state,
		SigningKey:   []byte(s.SnapshotKey),
		LogHandler:   h,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	l.ownsStore = true
	return l, nil
}

// forgetDeparted drops replicated state and sync baselines of sessions that
// went away. Every event also prunes against the live set, which covers
// events a full subscriber buffer missed.
func (l *Layer) forgetDeparted() func() {
	events, cancel := l.Sessions.Subscribe()
	go func() {
		for ev := range events {
			if ev.Kind != session.EventDisconnected && ev.Kind != session.EventStale {
				continue
			}
			l.Replica.Forget(ev.SessionID)
			if l.Sync != nil {
				l.Sync.Forget(ev.SessionID)
			}
			l.Replica.Prune(l.Sessions.IDs())
		}
	}()
	return cancel
}

// applyTunables pushes the current rate limit and reconnect tunables into
// the components that cache them.
func (l *Layer) applyTunables() {
	c := l.Config
	l.Limiter.SetLimit(rpc.RateCategory, ratelimit.Limit{
		Max:    c.Int(config.KeyRateRPCMax),
		Window: c.Duration(config.KeyRateRPCWindow),
	})
	l.Limiter.SetLimit(batch.RateCategory, ratelimit.Limit{
		Max:    c.Int(config.KeyRateBatchMax),
		Window: c.Duration(config.KeyRateBatchWindow),
	})
	l.Reconnect.SetConfig(reconnect.Config{
		Backoff: reconnect.Backoff{
			Base: c.Duration(config.KeyReconnectBase),
			Max:  c.Duration(config.KeyReconnectMax),
		},
		MaxAttempts: c.Int(config.KeyReconnectMaxAttempts),
		Cooldown:    c.Duration(config.KeyReconnectCooldown),
	})
}

func (l *Layer) watchTunables(ctx context.Context) {
	changes, cancel := l.Config.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if strings.HasPrefix(ch.Key, "ratelimit.") || strings.HasPrefix(ch.Key, "reconnect.") {
				l.applyTunables()
				l.log.DebugContext(ctx, "portlink.tunables.applied", slog.String("key", ch.Key))
			}
		}
	}
}

// Restore replays the snapshot left by the previous shutdown. A missing
// snapshot is reported as recovery.ErrNoSnapshot.
func (l *Layer) Restore(ctx context.Context) (*recovery.Snapshot, error) {
	snap, err := l.Recovery.Restore(ctx)
	if err != nil {
		return nil, err
	}
	l.applyTunables()
	return snap, nil
}

// Run drives the background work: stale session sweeps, telemetry flushes,
// periodic state sync, tunable reloads and config file watching. It returns
// when ctx ends.
func (l *Layer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("sessions", l.Sessions.Run)
	run("telemetry", l.Telemetry.Run)
	if l.Sync != nil {
		run("sync", l.Sync.Run)
	}
	if l.configFile != "" {
		run("config", func(ctx context.Context) error { return l.Config.WatchFile(ctx, l.configFile) })
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.watchTunables(ctx)
	}()

	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Serve accepts peers from lst until ctx ends or lst closes.
func (l *Layer) Serve(ctx context.Context, lst transport.Listener) error {
	if l.isShutdown() {
		return ErrLayerClosed
	}
	return l.Sessions.Serve(ctx, lst)
}

// Connect opens a session to endpoint. Transient failures are retried under
// the reconnect policy until ctx ends; any other failure is returned at once.
func (l *Layer) Connect(ctx context.Context, endpoint string, tr transport.Transport) (string, error) {
	for {
		if l.isShutdown() {
			return "", ErrLayerClosed
		}
		id, err := l.Sessions.Connect(ctx, endpoint, tr, 0)
		if err == nil {
			l.Reconnect.RecordSuccess(endpoint)
			return id, nil
		}
		l.Reconnect.RecordFailure(endpoint)
		l.Telemetry.Record("session", "connect_failed", 1)
		if Classify(err) != Transient {
			return "", err
		}
		l.log.DebugContext(ctx, "portlink.connect.retry", slog.String("endpoint", endpoint), slog.String("err", err.Error()))
		if werr := l.Reconnect.Wait(ctx, endpoint); werr != nil {
			return "", errors.Join(err, werr)
		}
	}
}

// Maintain keeps a session to endpoint open until ctx ends, reconnecting
// whenever it is lost. onConnect, when non-nil, is called with every new
// session id.
func (l *Layer) Maintain(ctx context.Context, endpoint string, tr transport.Transport, onConnect func(sessionID string)) error {
	for {
		events, cancel := l.Sessions.Subscribe()
		id, err := l.Connect(ctx, endpoint, tr)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if onConnect != nil {
			onConnect(id)
		}
		lost := l.awaitLoss(ctx, events, id)
		cancel()
		if !lost {
			return nil
		}
		l.log.WarnContext(ctx, "portlink.maintain.reconnect", slog.String("endpoint", endpoint), slog.String("session_id", id))
	}
}

// awaitLoss blocks until id is gone. It reports false when ctx ended first.
func (l *Layer) awaitLoss(ctx context.Context, events <-chan session.Event, id string) bool {
	if _, ok := l.Sessions.Get(id); !ok {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			if ev.SessionID == id && (ev.Kind == session.EventDisconnected || ev.Kind == session.EventStale) {
				return true
			}
		}
	}
}

// BatchOptions returns the options that bind batch.Process to this layer's
// tunables, limiter and telemetry.
func (l *Layer) BatchOptions(extra ...batch.Option) []batch.Option {
	opts := []batch.Option{
		batch.FromConfig(l.Config),
		batch.WithLimiter(l.Limiter),
		batch.WithRecorder(l.Telemetry),
		batch.WithLogger(l.log),
	}
	return append(opts, extra...)
}

func (l *Layer) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Shutdown drains sessions and persists a recovery snapshot within the
// recovery.shutdown_deadline tunable. A store the layer opened itself is
// closed afterwards.
func (l *Layer) Shutdown(ctx context.Context) (*recovery.Snapshot, error) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil, ErrLayerClosed
	}
	l.shutdown = true
	detach := l.detach
	l.detach = nil
	l.mu.Unlock()

	snap, err := l.Recovery.Shutdown(ctx)
	for _, d := range detach {
		d()
	}
	_ = l.Sessions.Close()
	l.Config.Close()
	if l.ownsStore {
		if cerr := l.kv.Close(); cerr != nil {
			l.log.WarnContext(ctx, "portlink.store.close_failed", slog.String("err", cerr.Error()))
		}
	}
	return snap, err
}
