// Package recovery persists the layer's own state on shutdown and replays
// it on the next start.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/internal/logctx"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/telemetry"
)

// SnapshotKey is the storage key of the shutdown snapshot.
const SnapshotKey = "recovery:snapshot"

var (
	// ErrNoSnapshot is returned by Restore when nothing was persisted.
	ErrNoSnapshot = errors.New("recovery: no snapshot")
	// ErrDeadlineExceeded is returned by Shutdown when the hard deadline
	// fired before a snapshot was written.
	ErrDeadlineExceeded = errors.New("recovery: shutdown deadline exceeded")

	errStepOverrun = errors.New("recovery: step overran its allotment")
)

// Snapshot is the state carried across a restart.
type Snapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Emergency bool                       `json:"emergency,omitempty"`
	Sessions  []session.Descriptor       `json:"sessions"`
	Buckets   []telemetry.Bucket         `json:"buckets,omitempty"`
	Config    map[string]json.RawMessage `json:"config"`
}

// Sessions is the session side of shutdown. *session.Registry satisfies it.
type Sessions interface {
	Descriptors() []session.Descriptor
	CloseAll(ctx context.Context) error
}

// Calls cancels outstanding calls. *rpc.Correlator satisfies it.
type Calls interface {
	Close(err error)
}

// Telemetry is the aggregator side of shutdown and restore.
type Telemetry interface {
	Flush(ctx context.Context) error
	Export() []telemetry.Bucket
	Seed(buckets []telemetry.Bucket)
}

// Config is the config store side of shutdown and restore.
type Config interface {
	Flush(ctx context.Context) error
	Export() map[string]json.RawMessage
	Seed(ctx context.Context, values map[string]json.RawMessage) int
}

// Tunables is the read side of the config store the manager needs.
type Tunables interface {
	Duration(key string) time.Duration
}

// Manager drives the shutdown sequence and the startup restore.
type Manager struct {
	kv       storage.Store
	tunables Tunables
	sessions Sessions
	calls    Calls
	tel      Telemetry
	cfg      Config
	signer   *hmacSigner
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures a Manager.
type Option func(*Manager)

func WithSessions(s Sessions) Option { return func(m *Manager) { m.sessions = s } }

func WithCalls(c Calls) Option { return func(m *Manager) { m.calls = c } }

func WithTelemetry(t Telemetry) Option { return func(m *Manager) { m.tel = t } }

func WithConfig(c Config) Option { return func(m *Manager) { m.cfg = c } }

// WithSigningKey signs persisted snapshots with HS256 and requires a valid
// signature on restore. The key should be at least 32 bytes.
func WithSigningKey(key []byte) Option {
	return func(m *Manager) {
		if len(key) > 0 {
			m.signer = &hmacSigner{key: key}
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a manager persisting to kv. Deadlines are read from tunables at
// shutdown time.
func New(kv storage.Store, tunables Tunables, opts ...Option) *Manager {
	m := &Manager{
		kv:       kv,
		tunables: tunables,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current step of the shutdown sequence.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// Snapshot builds a full snapshot of the current state without writing it.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := &Snapshot{Timestamp: m.now().UTC(), Sessions: []session.Descriptor{}, Config: map[string]json.RawMessage{}}
	if m.sessions != nil {
		snap.Sessions = m.sessions.Descriptors()
	}
	if m.tel != nil {
		snap.Buckets = m.tel.Export()
	}
	if m.cfg != nil {
		snap.Config = m.cfg.Export()
	}
	return snap, nil
}

type shutdownResult struct {
	snap *Snapshot
	err  error
}

// Shutdown drains the layer and persists a snapshot. It returns within the
// recovery.shutdown_deadline tunable: when the deadline fires first the
// manager is forced to Stopped and ErrDeadlineExceeded is returned while the
// remaining work is abandoned. A step that overruns recovery.step_timeout
// cuts the sequence short and an emergency snapshot is written instead.
func (m *Manager) Shutdown(ctx context.Context) (*Snapshot, error) {
	if err := m.transition(StateDraining); err != nil {
		return nil, err
	}
	start := m.now()
	deadline := m.tunables.Duration(config.KeyShutdownDeadline)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan shutdownResult, 1)
	go func() {
		snap, err := m.drain(ctx)
		done <- shutdownResult{snap: snap, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.forceStop(ctx, r.err)
			return nil, r.err
		}
		if err := m.transition(StateStopped); err != nil {
			return nil, err
		}
		m.log.InfoContext(ctx, "recovery.shutdown.ok",
			slog.Bool("emergency", r.snap.Emergency),
			slog.Int("sessions", len(r.snap.Sessions)),
			slog.Duration("elapsed", m.now().Sub(start)))
		return r.snap, nil
	case <-ctx.Done():
		err := fmt.Errorf("%w after %s", ErrDeadlineExceeded, deadline)
		m.forceStop(ctx, err)
		return nil, err
	}
}

func (m *Manager) forceStop(ctx context.Context, cause error) {
	m.mu.Lock()
	from := m.state
	m.state = StateStopped
	m.mu.Unlock()
	m.log.Log(context.WithoutCancel(ctx), logctx.LevelCritical, "recovery.shutdown.forced",
		slog.String("from", from.String()), slog.String("err", cause.Error()))
}

func (m *Manager) drain(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Timestamp: m.now().UTC(), Sessions: []session.Descriptor{}, Config: map[string]json.RawMessage{}}
	if m.sessions != nil {
		snap.Sessions = m.sessions.Descriptors()
	}

	err := m.step(ctx, "sessions", func(ctx context.Context) error {
		if m.calls != nil {
			m.calls.Close(nil)
		}
		if m.sessions != nil {
			return m.sessions.CloseAll(ctx)
		}
		return nil
	})
	if err == nil && m.tel != nil {
		pending := m.tel.Export()
		var flushErr error
		err = m.step(ctx, "telemetry", func(ctx context.Context) error {
			flushErr = m.tel.Flush(ctx)
			return flushErr
		})
		if err == nil && flushErr == nil {
			// Flushed buckets already reached the sink.
			pending = nil
		}
		snap.Buckets = pending
	}
	if !errors.Is(err, errStepOverrun) && m.cfg != nil {
		err = m.step(ctx, "config", m.cfg.Flush)
	}
	if m.cfg != nil {
		snap.Config = m.cfg.Export()
	}
	if errors.Is(err, errStepOverrun) {
		snap.Emergency = true
		snap.Buckets = nil
		m.log.Log(ctx, logctx.LevelCritical, "recovery.shutdown.emergency", slog.String("err", err.Error()))
	}

	if err := m.write(ctx, snap); err != nil {
		return nil, err
	}
	if err := m.transition(StateSnapshotWritten); err != nil {
		return nil, err
	}
	return snap, nil
}

// step runs fn with its own allotment. Failures other than an overrun are
// logged and the sequence continues; the snapshot still carries the state.
func (m *Manager) step(ctx context.Context, name string, fn func(context.Context) error) error {
	allot := m.tunables.Duration(config.KeyShutdownStep)
	stepCtx, cancel := context.WithTimeout(ctx, allot)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			if stepCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w: %s", errStepOverrun, name)
			}
			m.log.WarnContext(ctx, "recovery.step.fail", slog.String("step", name), slog.String("err", err.Error()))
		}
		return nil
	case <-stepCtx.Done():
		m.log.WarnContext(ctx, "recovery.step.overrun", slog.String("step", name), slog.Duration("allotted", allot))
		return fmt.Errorf("%w: %s", errStepOverrun, name)
	}
}

func (m *Manager) write(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if m.signer != nil {
		if b, err = m.signer.sign(b); err != nil {
			return err
		}
	}
	if err := m.kv.Set(ctx, map[string][]byte{SnapshotKey: b}); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// load reads and verifies the stored snapshot. found reports whether a record
// exists at all, so a rejected record can still be consumed.
func (m *Manager) load(ctx context.Context) (snap *Snapshot, found bool, err error) {
	vals, err := m.kv.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	raw, ok := vals[SnapshotKey]
	if !ok {
		return nil, false, ErrNoSnapshot
	}
	if m.signer != nil {
		if raw, err = m.signer.verify(raw); err != nil {
			return nil, true, err
		}
	}
	snap = &Snapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, true, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Peek returns the stored snapshot without applying or consuming it.
func (m *Manager) Peek(ctx context.Context) (*Snapshot, error) {
	snap, _, err := m.load(ctx)
	return snap, err
}

// Restore loads the snapshot left by the previous shutdown, re-seeds config
// and telemetry from it and deletes it. It is meant to run once at startup.
func (m *Manager) Restore(ctx context.Context) (*Snapshot, error) {
	snap, found, err := m.load(ctx)
	if found {
		// The record is consumed even when it turns out to be unusable.
		defer func() {
			if err := m.kv.Remove(ctx, SnapshotKey); err != nil {
				m.log.WarnContext(ctx, "recovery.restore.remove_failed", slog.String("err", err.Error()))
			}
		}()
	}
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			m.log.Log(ctx, logctx.LevelCritical, "recovery.restore.rejected", slog.String("err", err.Error()))
		}
		return nil, err
	}

	seeded := 0
	if m.cfg != nil && len(snap.Config) > 0 {
		seeded = m.cfg.Seed(ctx, snap.Config)
	}
	if m.tel != nil && len(snap.Buckets) > 0 {
		m.tel.Seed(snap.Buckets)
	}
	m.log.InfoContext(ctx, "recovery.restore.ok",
		slog.Time("taken_at", snap.Timestamp),
		slog.Bool("emergency", snap.Emergency),
		slog.Int("sessions", len(snap.Sessions)),
		slog.Int("config", seeded),
		slog.Int("buckets", len(snap.Buckets)))
	return snap, nil
}
