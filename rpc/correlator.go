// Package rpc correlates requests with their replies across sessions and
// routes inbound requests to registered handlers.
//
// Every outbound call passes the rate limiter, the capability check and the
// validator before it is registered as pending. A pending call is resolved
// exactly once: by its reply, by its timer, by loss of its session, or by
// Close.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/internal/logctx"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/session"
	"github.com/google/uuid"
)

// RateCategory is the limiter category charged for every outbound call.
const RateCategory = "rpc"

var (
	// ErrTimeout indicates no reply arrived within the call timeout.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrSessionLost indicates the session went away while the call was
	// pending, or before it could be sent.
	ErrSessionLost = errors.New("rpc: session lost")
	// ErrClosed indicates the correlator is shut down.
	ErrClosed = errors.New("rpc: correlator closed")
	// ErrNotCallable is returned for message kinds that cannot start a call.
	ErrNotCallable = errors.New("rpc: message kind is not callable")
)

// RemoteError is the peer's ERROR reply.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

// Sender delivers envelopes to a session. *session.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, sessionID string, env envelope.Envelope) error
}

// Limiter admits calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Admit(category string) error
}

// Tunables is the read side of the config store the correlator needs.
type Tunables interface {
	Duration(key string) time.Duration
}

// Recorder receives call measurements.
type Recorder interface {
	Record(category, event string, value float64)
	RecordDuration(category, event string, d time.Duration)
}

// HandlerFunc answers an inbound message of one kind. A non-nil reply is
// sent back when the inbound envelope carries a request id.
type HandlerFunc func(ctx context.Context, sessionID string, env envelope.Envelope) (envelope.Message, error)

// MethodFunc answers a REQUEST for one method. The result is marshaled into
// the RESPONSE payload.
type MethodFunc func(ctx context.Context, sessionID string, params json.RawMessage) (any, error)

type outcome struct {
	env envelope.Envelope
	err error
}

type pendingCall struct {
	requestID string
	sessionID string
	createdAt time.Time
	timer     *time.Timer
	result    chan outcome
	claimed   atomic.Bool
}

// resolve delivers o unless the call was already resolved.
func (pc *pendingCall) resolve(o outcome) bool {
	if !pc.claimed.CompareAndSwap(false, true) {
		return false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.result <- o
	return true
}

// Correlator owns the pending call table and the inbound handler table.
type Correlator struct {
	sender    Sender
	validator *envelope.Validator
	limiter   Limiter
	caps      capability.Checker
	cfg       Tunables
	rec       Recorder
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   atomic.Bool
	closeErr error

	hmu      sync.RWMutex
	handlers map[envelope.Type]HandlerFunc
	methods  map[string]MethodFunc

	qmu    sync.Mutex
	queues map[string]*queue
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLimiter charges every call to the RateCategory.
func WithLimiter(l Limiter) Option {
	return func(c *Correlator) { c.limiter = l }
}

// WithCapabilities checks every call and notification against ch.
func WithCapabilities(ch capability.Checker) Option {
	return func(c *Correlator) { c.caps = ch }
}

// WithRecorder reports call durations, timeouts and late replies.
func WithRecorder(r Recorder) Option {
	return func(c *Correlator) { c.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.log = l }
}

// WithValidator shares a validator, normally the registry's.
func WithValidator(v *envelope.Validator) Option {
	return func(c *Correlator) { c.validator = v }
}

// New returns a correlator sending through s. PING is answered out of the
// box.
func New(s Sender, cfg Tunables, opts ...Option) *Correlator {
	c := &Correlator{
		sender:   s,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[envelope.Type]HandlerFunc),
		methods:  make(map[string]MethodFunc),
		queues:   make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = envelope.NewValidator()
	}
	c.handlers[envelope.TypePing] = func(context.Context, string, envelope.Envelope) (envelope.Message, error) {
		return envelope.Pong{OK: true}, nil
	}
	return c
}

// Attach routes reg's inbound traffic through c and rejects pending calls
// when their session goes away. The returned func detaches the lifecycle
// watcher.
func (c *Correlator) Attach(reg *session.Registry) func() {
	reg.Route(c.HandleEnvelope)
	events, cancel := reg.Subscribe()
	go func() {
		for ev := range events {
			if ev.Kind == session.EventDisconnected || ev.Kind == session.EventStale {
				c.OnSessionLost(ev.SessionID)
			}
		}
	}()
	return cancel
}

// Handle installs h for inbound messages of type t. Reply kinds cannot be
// handled; they always resolve pending calls.
func (c *Correlator) Handle(t envelope.Type, h HandlerFunc) {
	if t.IsReply() {
		panic(fmt.Sprintf("rpc: cannot install a handler for reply kind %s", t))
	}
	c.hmu.Lock()
	c.handlers[t] = h
	c.hmu.Unlock()
}

// HandleMethod installs h for REQUEST messages naming method.
func (c *Correlator) HandleMethod(method string, h MethodFunc) {
	c.hmu.Lock()
	c.methods[method] = h
	c.hmu.Unlock()
}

func (c *Correlator) callTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if d := c.cfg.Duration(config.KeyCallTimeout); d > 0 {
		return d
	}
	return 10 * time.Second
}

func (c *Correlator) closedErr() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

// admit runs the limiter and capability check shared by calls and
// notifications.
func (c *Correlator) admit(ctx context.Context, msg envelope.Message) error {
	if c.limiter != nil {
		if err := c.limiter.Admit(RateCategory); err != nil {
			if c.rec != nil {
				c.rec.Record("rpc", "rate_limited", 1)
			}
			return err
		}
	}
	name := capability.ForKind(string(msg.Kind()))
	if req, ok := msg.(envelope.Request); ok {
		name = capability.ForRequest(req.Method)
	}
	return capability.Require(ctx, c.caps, name)
}

// Call sends msg to the session and waits for its reply. The reply payload
// is returned; an ERROR reply is returned as *RemoteError. A zero timeout
// uses the configured call timeout.
func (c *Correlator) Call(ctx context.Context, sessionID string, msg envelope.Message, timeout time.Duration) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, c.closedErr()
	}
	if msg.Kind().IsReply() || msg.Kind() == envelope.TypeHandshake {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, msg.Kind())
	}
	if err := c.admit(ctx, msg); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	env, err := envelope.New(msg, reqID)
	if err != nil {
		return nil, err
	}
	if err := c.validator.Validate(env); err != nil {
		return nil, err
	}

	pc := &pendingCall{
		requestID: reqID,
		sessionID: sessionID,
		createdAt: c.now(),
		result:    make(chan outcome, 1),
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[reqID] = pc
	pc.timer = time.AfterFunc(c.callTimeout(timeout), func() { c.expire(pc) })
	c.mu.Unlock()

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: methodOf(msg), RequestID: reqID, Type: string(env.Type)})
	if err := c.sender.Send(ctx, sessionID, env); err != nil {
		c.take(reqID)
		pc.resolve(outcome{})
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
		}
		return nil, err
	}

	var o outcome
	select {
	case o = <-pc.result:
	case <-ctx.Done():
		c.take(reqID)
		if pc.resolve(outcome{err: ctx.Err()}) {
			<-pc.result
			return nil, ctx.Err()
		}
		o = <-pc.result
	}
	if o.err != nil {
		return nil, o.err
	}
	if c.rec != nil {
		c.rec.RecordDuration("rpc", "call", c.now().Sub(pc.createdAt))
	}
	if o.env.Type == envelope.TypeError {
		m, err := o.env.Message()
		if err != nil {
			return nil, err
		}
		e := m.(envelope.Error)
		return nil, &RemoteError{Code: e.Code, Message: e.Message}
	}
	return o.env.Payload, nil
}

// Invoke calls method with params and decodes the RESPONSE into out, which
// may be nil.
func (c *Correlator) Invoke(ctx context.Context, sessionID, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	res, err := c.Call(ctx, sessionID, envelope.Request{Method: method, Params: raw}, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Ping measures a PING/PONG round trip.
func (c *Correlator) Ping(ctx context.Context, sessionID string, timeout time.Duration) (time.Duration, error) {
	start := c.now()
	if _, err := c.Call(ctx, sessionID, envelope.Ping{}, timeout); err != nil {
		return 0, err
	}
	return c.now().Sub(start), nil
}

// Notify sends msg without a request id and without waiting.
func (c *Correlator) Notify(ctx context.Context, sessionID string, msg envelope.Message) error {
	if c.closed.Load() {
		return c.closedErr()
	}
	if err := c.admit(ctx, msg); err != nil {
		return err
	}
	env, err := envelope.New(msg, "")
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, sessionID, env)
}

func (c *Correlator) take(reqID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[reqID]
	if !ok {
		return nil
	}
	delete(c.pending, reqID)
	return pc
}

func (c *Correlator) expire(pc *pendingCall) {
	c.take(pc.requestID)
	if pc.resolve(outcome{err: ErrTimeout}) {
		c.log.Warn("rpc.call.timeout", slog.String("request_id", pc.requestID), slog.String("session_id", pc.sessionID))
		if c.rec != nil {
			c.rec.Record("rpc", "timeout", 1)
		}
	}
}

// HandleEnvelope is the session.HandlerFunc for inbound traffic. Replies
// resolve pending calls on the spot; everything else is dispatched in
// arrival order per session.
func (c *Correlator) HandleEnvelope(ctx context.Context, sessionID string, env envelope.Envelope) {
	if env.Type.IsReply() {
		c.resolveReply(ctx, sessionID, env)
		return
	}
	c.enqueue(sessionID, func() { c.dispatch(ctx, sessionID, env) })
}

func (c *Correlator) resolveReply(ctx context.Context, sessionID string, env envelope.Envelope) {
	c.mu.Lock()
	pc, ok := c.pending[env.RequestID]
	if ok && pc.sessionID == sessionID {
		delete(c.pending, env.RequestID)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if !ok || !pc.resolve(outcome{env: env}) {
		c.log.DebugContext(ctx, "rpc.reply.late", slog.String("request_id", env.RequestID), slog.String("type", string(env.Type)))
		if c.rec != nil {
			c.rec.Record("rpc", "late_reply", 1)
		}
	}
}

func (c *Correlator) dispatch(ctx context.Context, sessionID string, env envelope.Envelope) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{RequestID: env.RequestID, Type: string(env.Type)})

	var (
		reply envelope.Message
		err   error
	)
	if env.Type == envelope.TypeRequest {
		reply, err = c.dispatchRequest(ctx, sessionID, env)
	} else {
		c.hmu.RLock()
		h, ok := c.handlers[env.Type]
		c.hmu.RUnlock()
		if !ok {
			c.log.DebugContext(ctx, "rpc.inbound.unhandled")
			if env.RequestID == "" {
				return
			}
			err = &RemoteError{Code: envelope.CodeMethodNotFound, Message: fmt.Sprintf("no handler for %s", env.Type)}
		} else {
			reply, err = h(ctx, sessionID, env)
		}
	}

	if env.RequestID == "" {
		if err != nil {
			c.log.WarnContext(ctx, "rpc.handler.fail", slog.String("err", err.Error()))
		}
		return
	}
	if err != nil {
		reply = errorReply(err)
	}
	if reply == nil {
		reply = envelope.Response{}
	}
	out, encErr := envelope.Reply(env, reply)
	if encErr != nil {
		c.log.ErrorContext(ctx, "rpc.reply.encode.fail", slog.String("err", encErr.Error()))
		return
	}
	if sendErr := c.sender.Send(ctx, sessionID, out); sendErr != nil {
		c.log.WarnContext(ctx, "rpc.reply.send.fail", slog.String("err", sendErr.Error()))
	}
}

func (c *Correlator) dispatchRequest(ctx context.Context, sessionID string, env envelope.Envelope) (envelope.Message, error) {
	m, err := env.Message()
	if err != nil {
		return nil, &RemoteError{Code: envelope.CodeInvalidMessage, Message: err.Error()}
	}
	req := m.(envelope.Request)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, RequestID: env.RequestID, Type: string(env.Type)})

	c.hmu.RLock()
	h, ok := c.methods[req.Method]
	c.hmu.RUnlock()
	if !ok {
		c.log.DebugContext(ctx, "rpc.method.unknown")
		return nil, &RemoteError{Code: envelope.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	res, err := h(ctx, sessionID, req.Params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", req.Method, err)
	}
	return envelope.Response{Result: raw}, nil
}

// OnSessionLost rejects every call pending on sessionID with ErrSessionLost.
func (c *Correlator) OnSessionLost(sessionID string) {
	c.mu.Lock()
	var lost []*pendingCall
	for id, pc := range c.pending {
		if pc.sessionID == sessionID {
			lost = append(lost, pc)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, pc := range lost {
		pc.resolve(outcome{err: ErrSessionLost})
	}
	c.qmu.Lock()
	delete(c.queues, sessionID)
	c.qmu.Unlock()
	if len(lost) > 0 {
		c.log.Warn("rpc.session.lost", slog.String("session_id", sessionID), slog.Int("rejected", len(lost)))
	}
}

// Close rejects every pending call with err (ErrClosed when nil) and refuses
// new calls.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	c.closed.Store(true)
	all := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		all = append(all, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, pc := range all {
		pc.resolve(outcome{err: err})
	}
}

// Pending counts unresolved calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func methodOf(msg envelope.Message) string {
	if req, ok := msg.(envelope.Request); ok {
		return req.Method
	}
	return ""
}

// errorReply maps a handler error to an ERROR payload.
func errorReply(err error) envelope.Error {
	var re *RemoteError
	var sv *envelope.SchemaViolation
	switch {
	case errors.As(err, &re):
		return envelope.Error{Code: re.Code, Message: re.Message}
	case errors.As(err, &sv):
		return envelope.Error{Code: envelope.CodeInvalidMessage, Message: err.Error()}
	case errors.Is(err, capability.ErrPermissionDenied):
		return envelope.Error{Code: envelope.CodePermissionDenied, Message: err.Error()}
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return envelope.Error{Code: envelope.CodeRateLimited, Message: err.Error()}
	}
	return envelope.Error{Code: envelope.CodeInternal, Message: err.Error()}
}
