package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/rpc"
)

// ErrAckMismatch is returned when a peer acknowledges a different sequence
// number than the one sent.
var ErrAckMismatch = errors.New("statesync: acknowledgment does not match delta")

// Provider exposes the local domain state.
type Provider interface {
	Snapshot(ctx context.Context) (State, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (State, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (State, error) { return f(ctx) }

// Caller delivers a delta and waits for its acknowledgment.
// *rpc.Correlator satisfies it.
type Caller interface {
	Call(ctx context.Context, sessionID string, msg envelope.Message, timeout time.Duration) (json.RawMessage, error)
}

// Sessions lists live session ids. *session.Registry satisfies it.
type Sessions interface {
	IDs() []string
}

// Tunables is the read side of the config store the engine needs.
type Tunables interface {
	Duration(key string) time.Duration
}

// Recorder receives sync measurements.
type Recorder interface {
	Record(category, event string, value float64)
	RecordDuration(category, event string, d time.Duration)
}

// Report summarizes one sync cycle.
type Report struct {
	Sessions  int
	Delivered []string
	Unchanged []string
	Failed    map[string]error
}

type baseline struct {
	snap snapshot
	seq  uint64
	// full is set until a full delta has been confirmed.
	full bool
}

// Engine pushes local state to every live session.
type Engine struct {
	provider Provider
	caller   Caller
	sessions Sessions
	cfg      Tunables
	rec      Recorder
	log      *slog.Logger

	// syncMu serializes cycles so baselines advance in order.
	syncMu sync.Mutex

	mu        sync.Mutex
	baselines map[string]*baseline

	trigger chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns an engine reading state from p and delivering through c
// to the sessions listed by s.
func NewEngine(p Provider, c Caller, s Sessions, cfg Tunables, opts ...Option) *Engine {
	e := &Engine{
		provider:  p,
		caller:    c,
		sessions:  s,
		cfg:       cfg,
		log:       slog.Default(),
		baselines: make(map[string]*baseline),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync computes each session's delta against its last confirmed baseline and
// delivers it. A session's baseline advances only when its peer acknowledges
// the delta; failed sessions are retried on the next cycle and never hold up
// the others. The returned error is non-nil only when the state could not be
// read.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	start := time.Now()

	state, err := e.provider.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read state: %w", err)
	}
	cur, err := encode(state)
	if err != nil {
		return Report{}, err
	}

	ids := e.sessions.IDs()
	e.prune(ids)

	type outcome struct {
		id      string
		skipped bool
		err     error
	}
	results := make(chan outcome, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			skipped, err := e.syncSession(ctx, id, cur)
			results <- outcome{id: id, skipped: skipped, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	rep := Report{Sessions: len(ids), Failed: make(map[string]error)}
	for o := range results {
		switch {
		case o.err != nil:
			rep.Failed[o.id] = o.err
		case o.skipped:
			rep.Unchanged = append(rep.Unchanged, o.id)
		default:
			rep.Delivered = append(rep.Delivered, o.id)
		}
	}
	sort.Strings(rep.Delivered)
	sort.Strings(rep.Unchanged)

	if e.rec != nil {
		e.rec.RecordDuration("sync", "cycle", time.Since(start))
		if n := len(rep.Failed); n > 0 {
			e.rec.Record("sync", "failed", float64(n))
		}
	}
	if len(rep.Failed) > 0 {
		e.log.WarnContext(ctx, "statesync.sync.partial", slog.Int("sessions", rep.Sessions), slog.Int("failed", len(rep.Failed)))
	}
	return rep, nil
}

func (e *Engine) syncSession(ctx context.Context, id string, cur snapshot) (bool, error) {
	e.mu.Lock()
	b, ok := e.baselines[id]
	if !ok {
		b = &baseline{full: true}
		e.baselines[id] = b
	}
	prev, seq, full := b.snap, b.seq+1, b.full
	e.mu.Unlock()

	var d *Delta
	if full {
		d = diffSnapshots(cur, nil)
		if d == nil {
			d = &Delta{}
		}
	} else if d = diffSnapshots(cur, prev); d == nil {
		return true, nil
	}

	start := time.Now()
	msg := envelope.StateDelta{Seq: seq, Full: full, Set: d.Set, Tombstones: d.Tombstones}
	raw, err := e.caller.Call(ctx, id, msg, 0)
	if err == nil {
		var ack envelope.StateAck
		if uerr := json.Unmarshal(raw, &ack); uerr != nil || ack.Seq != seq {
			err = fmt.Errorf("%w: sent %d", ErrAckMismatch, seq)
		}
	}
	if err != nil {
		var re *rpc.RemoteError
		if errors.As(err, &re) || errors.Is(err, ErrAckMismatch) {
			// The peer's view is unknown; start over with a full delta.
			e.reset(id)
		}
		e.log.WarnContext(ctx, "statesync.deliver.fail", slog.String("session_id", id), slog.Uint64("seq", seq), slog.String("err", err.Error()))
		return false, err
	}

	e.mu.Lock()
	if cb, ok := e.baselines[id]; ok && cb == b {
		b.snap, b.seq, b.full = cur, seq, false
	}
	e.mu.Unlock()
	if e.rec != nil {
		e.rec.RecordDuration("sync", "deliver", time.Since(start))
		e.rec.Record("sync", "keys", float64(d.Len()))
	}
	return false, nil
}

func (e *Engine) reset(id string) {
	e.mu.Lock()
	if b, ok := e.baselines[id]; ok {
		b.full = true
	}
	e.mu.Unlock()
}

func (e *Engine) prune(live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}
	e.mu.Lock()
	for id := range e.baselines {
		if _, ok := keep[id]; !ok {
			delete(e.baselines, id)
		}
	}
	e.mu.Unlock()
}

// Forget drops the baseline of a session, for example after it disconnected.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.baselines, sessionID)
	e.mu.Unlock()
}

// Baseline returns the last state confirmed by the session and its sequence
// number.
func (e *Engine) Baseline(sessionID string) (State, uint64, bool) {
	e.mu.Lock()
	b, ok := e.baselines[sessionID]
	if !ok || b.seq == 0 {
		e.mu.Unlock()
		return nil, 0, false
	}
	snap, seq := b.snap, b.seq
	e.mu.Unlock()
	s, err := snap.decode()
	if err != nil {
		return nil, 0, false
	}
	return s, seq, true
}

// Trigger requests a sync cycle from Run without waiting for the interval.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on the configured interval and on Trigger until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		interval := e.cfg.Duration(config.KeySyncInterval)
		if interval <= 0 {
			interval = 5 * time.Second
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-e.trigger:
			t.Stop()
		case <-t.C:
		}
		if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
			e.log.WarnContext(ctx, "statesync.sync.fail", slog.String("err", err.Error()))
		}
	}
}
