// Package session owns the set of live sessions. A session exists only after
// a successful handshake and disappears on explicit disconnect, transport
// loss or staleness.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/internal/logctx"
	"github.com/ggoodman/portlink-go/internal/notify"
	"github.com/ggoodman/portlink-go/transport"
	"github.com/google/uuid"
)

// ProtocolVersion is announced in every handshake.
const ProtocolVersion = "1"

var (
	// ErrConnectionTimeout is returned when no handshake acknowledgment
	// arrives in time.
	ErrConnectionTimeout = errors.New("session: connection timeout")
	// ErrSessionNotFound is returned for ids that are not live.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("session: registry closed")
)

// Descriptor is the externally visible state of a session.
type Descriptor struct {
	ID             string    `json:"id"`
	Endpoint       string    `json:"endpoint"`
	PeerID         string    `json:"peerId,omitempty"`
	Outbound       bool      `json:"outbound"`
	EstablishedAt  time.Time `json:"establishedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessageCount   int64     `json:"messageCount"`
}

// EventKind classifies lifecycle events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStale
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStale:
		return "stale"
	}
	return "unknown"
}

// Event is published on every lifecycle change.
type Event struct {
	Kind      EventKind
	SessionID string
	Endpoint  string
	Outbound  bool
	// Err is set when the transport went away on its own.
	Err error
}

// HandlerFunc receives every valid inbound envelope other than the
// handshake. Calls for one session are made sequentially in arrival order.
type HandlerFunc func(ctx context.Context, sessionID string, env envelope.Envelope)

// Tunables is the read side of the config store the registry needs.
type Tunables interface {
	Duration(key string) time.Duration
}

// Recorder receives measurements. *telemetry.Aggregator satisfies it.
type Recorder interface {
	Record(category, event string, value float64)
	RecordDuration(category, event string, d time.Duration)
}

type liveSession struct {
	mu   sync.Mutex
	desc Descriptor

	conn transport.Conn
	stop chan struct{}
	once sync.Once
}

func (s *liveSession) touch(now time.Time) {
	s.mu.Lock()
	s.desc.LastActivityAt = now
	s.desc.MessageCount++
	s.mu.Unlock()
}

func (s *liveSession) descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

func (s *liveSession) alive() bool {
	select {
	case <-s.conn.Done():
		return false
	default:
		return true
	}
}

// halt stops the reader and closes the transport.
func (s *liveSession) halt() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

// Registry owns the session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
	closed   bool

	handlerMu sync.RWMutex
	handler   HandlerFunc

	name      string
	validator *envelope.Validator
	cfg       Tunables
	rec       Recorder
	log       *slog.Logger
	now       func() time.Time
	events    *notify.Notifier[Event]

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithName sets the endpoint name announced in handshakes.
func WithName(name string) Option {
	return func(r *Registry) { r.name = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithRecorder reports handshake durations and dropped envelopes.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.rec = rec }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithValidator replaces the default envelope validator.
func WithValidator(v *envelope.Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// New returns an empty registry reading its timeouts from cfg.
func New(cfg Tunables, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:  make(map[string]*liveSession),
		name:      "portlink",
		validator: envelope.NewValidator(),
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
		events:    notify.New[Event](64),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route installs the inbound handler. It should be called before the first
// session is established; envelopes arriving with no handler are dropped.
func (r *Registry) Route(h HandlerFunc) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// Subscribe returns lifecycle events. Slow subscribers miss events.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.events.Subscribe()
}

// Validator exposes the validator shared with the correlator.
func (r *Registry) Validator() *envelope.Validator { return r.validator }

func (r *Registry) handshakeTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if d := r.cfg.Duration(config.KeyHandshakeTimeout); d > 0 {
		return d
	}
	return 5 * time.Second
}

// Connect opens tr, sends a handshake and waits up to timeout for the
// acknowledgment. It never retries; a zero timeout uses the configured one.
func (r *Registry) Connect(ctx context.Context, endpoint string, tr transport.Transport, timeout time.Duration) (string, error) {
	if r.isClosed() {
		return "", ErrRegistryClosed
	}
	start := r.now()
	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout(timeout))
	defer cancel()

	conn, err := tr.Open(hctx)
	if err != nil {
		if !errors.Is(err, transport.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
		}
		r.log.WarnContext(ctx, "session.connect.unavailable", slog.String("endpoint", endpoint), slog.String("err", err.Error()))
		return "", err
	}

	reqID := uuid.NewString()
	hello, err := envelope.New(envelope.Handshake{Endpoint: r.name, Version: ProtocolVersion}, reqID)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	if err := r.sendRaw(hctx, conn, hello); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	ack, err := r.awaitAck(hctx, conn, reqID)
	if err != nil {
		_ = conn.Close()
		r.log.WarnContext(ctx, "session.connect.fail", slog.String("endpoint", endpoint), slog.String("err", err.Error()))
		return "", err
	}

	now := r.now()
	ls := &liveSession{
		desc: Descriptor{
			ID:             uuid.NewString(),
			Endpoint:       endpoint,
			PeerID:         ack.SessionID,
			Outbound:       true,
			EstablishedAt:  now,
			LastActivityAt: now,
		},
		conn: conn,
		stop: make(chan struct{}),
	}
	if err := r.register(ls); err != nil {
		_ = conn.Close()
		return "", err
	}
	if r.rec != nil {
		r.rec.RecordDuration("session", "handshake", now.Sub(start))
	}
	r.log.InfoContext(ctx, "session.connect.ok",
		slog.String("session_id", ls.desc.ID),
		slog.String("endpoint", endpoint),
		slog.Int64("dur_ms", now.Sub(start).Milliseconds()),
	)
	return ls.desc.ID, nil
}

func (r *Registry) awaitAck(ctx context.Context, conn transport.Conn, reqID string) (envelope.HandshakeAck, error) {
	for {
		select {
		case frame := <-conn.Inbound():
			env, err := r.decode(frame)
			if err != nil {
				r.log.WarnContext(ctx, "session.handshake.drop", slog.String("err", err.Error()))
				continue
			}
			if env.Type != envelope.TypeHandshakeAck || env.RequestID != reqID {
				r.log.WarnContext(ctx, "session.handshake.drop", slog.String("type", string(env.Type)))
				continue
			}
			msg, err := env.Message()
			if err != nil {
				continue
			}
			return msg.(envelope.HandshakeAck), nil
		case <-conn.Done():
			return envelope.HandshakeAck{}, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, conn.Err())
		case <-ctx.Done():
			return envelope.HandshakeAck{}, ErrConnectionTimeout
		}
	}
}

// Accept runs the accepting side of the handshake on conn. Traffic before the
// handshake is dropped. A zero timeout uses the configured one.
func (r *Registry) Accept(ctx context.Context, conn transport.Conn, timeout time.Duration) (string, error) {
	if r.isClosed() {
		_ = conn.Close()
		return "", ErrRegistryClosed
	}
	start := r.now()
	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout(timeout))
	defer cancel()

	var hello envelope.Envelope
	var hs envelope.Handshake
wait:
	for {
		select {
		case frame := <-conn.Inbound():
			env, err := r.decode(frame)
			if err != nil {
				r.log.WarnContext(ctx, "session.accept.drop", slog.String("err", err.Error()))
				continue
			}
			if env.Type != envelope.TypeHandshake {
				r.log.WarnContext(ctx, "session.accept.drop", slog.String("type", string(env.Type)), slog.String("reason", "traffic before handshake"))
				continue
			}
			msg, err := env.Message()
			if err != nil {
				continue
			}
			hello, hs = env, msg.(envelope.Handshake)
			break wait
		case <-conn.Done():
			return "", fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, conn.Err())
		case <-hctx.Done():
			_ = conn.Close()
			return "", ErrConnectionTimeout
		}
	}

	now := r.now()
	ls := &liveSession{
		desc: Descriptor{
			ID:             uuid.NewString(),
			Endpoint:       hs.Endpoint,
			EstablishedAt:  now,
			LastActivityAt: now,
		},
		conn: conn,
		stop: make(chan struct{}),
	}
	ack, err := envelope.Reply(hello, envelope.HandshakeAck{SessionID: ls.desc.ID, Endpoint: r.name})
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	if err := r.sendRaw(hctx, conn, ack); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	if err := r.register(ls); err != nil {
		_ = conn.Close()
		return "", err
	}
	if r.rec != nil {
		r.rec.RecordDuration("session", "accept", now.Sub(start))
	}
	r.log.InfoContext(ctx, "session.accept.ok", slog.String("session_id", ls.desc.ID), slog.String("endpoint", hs.Endpoint))
	return ls.desc.ID, nil
}

// Serve accepts connections from l until ctx ends or l closes. Handshakes
// run concurrently.
func (r *Registry) Serve(ctx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if _, err := r.Accept(ctx, conn, 0); err != nil {
				r.log.WarnContext(ctx, "session.accept.fail", slog.String("err", err.Error()))
			}
		}()
	}
}

func (r *Registry) register(ls *liveSession) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.sessions[ls.desc.ID] = ls
	r.wg.Add(1)
	r.mu.Unlock()

	go r.readLoop(ls)
	r.events.Notify(Event{Kind: EventConnected, SessionID: ls.desc.ID, Endpoint: ls.desc.Endpoint, Outbound: ls.desc.Outbound})
	return nil
}

func (r *Registry) readLoop(ls *liveSession) {
	defer r.wg.Done()
	ctx := logctx.WithSessionData(r.baseCtx, &logctx.SessionData{SessionID: ls.desc.ID, Endpoint: ls.desc.Endpoint})
	for {
		select {
		case frame := <-ls.conn.Inbound():
			r.deliver(ctx, ls, frame)
		case <-ls.stop:
			return
		case <-ls.conn.Done():
			select {
			case <-ls.stop:
				// Closed locally; the closer reports it.
				return
			default:
			}
			// Deliver what already arrived before reporting the loss.
		drain:
			for {
				select {
				case frame := <-ls.conn.Inbound():
					r.deliver(ctx, ls, frame)
				default:
					break drain
				}
			}
			r.lost(ctx, ls, ls.conn.Err())
			return
		}
	}
}

func (r *Registry) deliver(ctx context.Context, ls *liveSession, frame []byte) {
	env, err := r.decode(frame)
	if err != nil {
		r.drop(ctx, "malformed", err)
		return
	}
	if env.Type == envelope.TypeHandshake {
		r.drop(ctx, "duplicate handshake", nil)
		return
	}
	ls.touch(r.now())

	r.handlerMu.RLock()
	h := r.handler
	r.handlerMu.RUnlock()
	if h == nil {
		r.drop(ctx, "no handler", nil)
		return
	}
	h(ctx, ls.desc.ID, env)
}

// decode parses and validates one frame.
func (r *Registry) decode(frame []byte) (envelope.Envelope, error) {
	env, err := envelope.Decode(frame)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := r.validator.Validate(env); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func (r *Registry) drop(ctx context.Context, reason string, err error) {
	attrs := []any{slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	r.log.WarnContext(ctx, "session.inbound.drop", attrs...)
	if r.rec != nil {
		r.rec.Record("session", "dropped", 1)
	}
}

// lost removes a session whose transport went away on its own.
func (r *Registry) lost(ctx context.Context, ls *liveSession, cause error) {
	if !r.remove(ls.desc.ID, ls) {
		return
	}
	ls.halt()
	r.log.Log(ctx, logctx.LevelCritical, "session.lost", slog.String("err", errString(cause)))
	r.events.Notify(Event{Kind: EventDisconnected, SessionID: ls.desc.ID, Endpoint: ls.desc.Endpoint, Outbound: ls.desc.Outbound, Err: cause})
}

func (r *Registry) remove(id string, ls *liveSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok || (ls != nil && cur != ls) {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Disconnect closes the session's transport and forgets it. Unknown ids are
// ignored.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	ls, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ls.halt()
	r.log.Info("session.disconnect.ok", slog.String("session_id", id))
	r.events.Notify(Event{Kind: EventDisconnected, SessionID: id, Endpoint: ls.desc.Endpoint, Outbound: ls.desc.Outbound})
}

// Send validates env and writes it to the session's transport.
func (r *Registry) Send(ctx context.Context, id string, env envelope.Envelope) error {
	if err := r.validator.Validate(env); err != nil {
		return err
	}
	ls, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.sendRaw(ctx, ls.conn, env); err != nil {
		return err
	}
	ls.touch(r.now())
	return nil
}

func (r *Registry) sendRaw(ctx context.Context, conn transport.Conn, env envelope.Envelope) error {
	b, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return conn.Send(ctx, b)
}

func (r *Registry) lookup(id string) (*liveSession, error) {
	r.mu.RLock()
	ls, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || !ls.alive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ls, nil
}

// Get returns the descriptor of a live session.
func (r *Registry) Get(id string) (Descriptor, bool) {
	ls, err := r.lookup(id)
	if err != nil {
		return Descriptor{}, false
	}
	return ls.descriptor(), true
}

// Descriptors lists live sessions ordered by establishment time.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.sessions))
	for _, ls := range r.sessions {
		if ls.alive() {
			out = append(out, ls.descriptor())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EstablishedAt.Before(out[j].EstablishedAt)
	})
	return out
}

// IDs lists live session ids.
func (r *Registry) IDs() []string {
	ds := r.Descriptors()
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}

// Len counts live sessions.
func (r *Registry) Len() int { return len(r.Descriptors()) }

// Sweep force-closes sessions idle for longer than the staleness window and
// returns how many it removed. A session leaves the table only after its
// transport is closed.
func (r *Registry) Sweep(now time.Time) int {
	staleAfter := r.cfg.Duration(config.KeyStaleAfter)
	if staleAfter <= 0 {
		return 0
	}
	var stale []*liveSession
	r.mu.RLock()
	for _, ls := range r.sessions {
		if now.Sub(ls.descriptor().LastActivityAt) > staleAfter {
			stale = append(stale, ls)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, ls := range stale {
		ls.halt()
		if !r.remove(ls.desc.ID, ls) {
			continue
		}
		n++
		r.log.Warn("session.sweep.stale", slog.String("session_id", ls.desc.ID), slog.String("endpoint", ls.desc.Endpoint))
		r.events.Notify(Event{Kind: EventStale, SessionID: ls.desc.ID, Endpoint: ls.desc.Endpoint, Outbound: ls.desc.Outbound})
	}
	return n
}

// Run sweeps periodically until ctx ends. The period is the configured sweep
// interval, falling back to the staleness window.
func (r *Registry) Run(ctx context.Context) error {
	for {
		interval := r.cfg.Duration(config.KeySweepInterval)
		if interval <= 0 {
			interval = r.cfg.Duration(config.KeyStaleAfter)
		}
		if interval <= 0 {
			interval = time.Minute
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll disconnects every session. It returns early if ctx ends first.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Disconnect(id)
	}
	return nil
}

// Close disconnects everything, waits for readers and ends event streams.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	_ = r.CloseAll(context.Background())
	r.cancel()
	r.wg.Wait()
	r.events.Close()
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
