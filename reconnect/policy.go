// Package reconnect decides when a failed endpoint may be retried. It owns the
// only backoff curve in the layer.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInCooldown is returned by NextDelay while an endpoint is cooling down
// after too many consecutive failures.
var ErrInCooldown = errors.New("reconnect: endpoint in cooldown")

// RetryState is the per-endpoint bookkeeping.
type RetryState struct {
	Attempts      int       `json:"attempts"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
}

// InCooldown reports whether the state blocks attempts at now.
func (s RetryState) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// Config tunes a Policy.
type Config struct {
	Backoff     Backoff
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultConfig returns the compiled-in reconnect tunables.
func DefaultConfig() Config {
	return Config{
		Backoff:     DefaultBackoff,
		MaxAttempts: 5,
		Cooldown:    time.Minute,
	}
}

// Policy tracks RetryState per endpoint key.
type Policy struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*RetryState
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.log = l }
}

func New(cfg Config, opts ...Option) *Policy {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	p := &Policy{
		cfg:    cfg,
		states: make(map[string]*RetryState),
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetConfig swaps the tunables. Existing per-endpoint state is kept.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = p.cfg.Backoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = p.cfg.MaxAttempts
	}
	p.cfg = cfg
}

// state returns the live state for key, clearing an elapsed cooldown.
// Callers hold p.mu.
func (p *Policy) state(key string, now time.Time) *RetryState {
	st, ok := p.states[key]
	if !ok {
		st = &RetryState{}
		p.states[key] = st
	}
	if !st.CooldownUntil.IsZero() && !now.Before(st.CooldownUntil) {
		st.Attempts = 0
		st.CooldownUntil = time.Time{}
	}
	return st
}

// NextDelay returns how long to wait before the next attempt against key.
func (p *Policy) NextDelay(key string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	st := p.state(key, now)
	if st.InCooldown(now) {
		return 0, fmt.Errorf("%w: %s for another %s", ErrInCooldown, key, st.CooldownUntil.Sub(now))
	}
	return p.cfg.Backoff.Delay(st.Attempts), nil
}

// RecordFailure counts a failed attempt. Reaching MaxAttempts starts the
// cooldown.
func (p *Policy) RecordFailure(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	st := p.state(key, now)
	if st.InCooldown(now) {
		return
	}
	st.Attempts++
	st.LastFailureAt = now
	if st.Attempts >= p.cfg.MaxAttempts {
		st.CooldownUntil = now.Add(p.cfg.Cooldown)
		p.log.Warn("reconnect.cooldown.enter",
			slog.String("endpoint", key),
			slog.Int("attempts", st.Attempts),
			slog.Duration("cooldown", p.cfg.Cooldown),
		)
	}
}

// RecordSuccess resets key.
func (p *Policy) RecordSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, key)
}

// State returns a copy of the bookkeeping for key.
func (p *Policy) State(key string) RetryState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.states[key]; !ok {
		return RetryState{}
	}
	return *p.state(key, p.now())
}

// Wait blocks for the next permitted attempt against key, sitting out a
// cooldown if one is active.
func (p *Policy) Wait(ctx context.Context, key string) error {
	d, err := p.NextDelay(key)
	if errors.Is(err, ErrInCooldown) {
		st := p.State(key)
		d = st.CooldownUntil.Sub(p.now())
	} else if err != nil {
		return err
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds or ctx ends, recording each outcome and
// waiting between attempts.
func (p *Policy) Retry(ctx context.Context, key string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			p.RecordSuccess(key)
			return nil
		}
		p.RecordFailure(key)
		p.log.DebugContext(ctx, "reconnect.attempt.fail", slog.String("endpoint", key), slog.String("err", err.Error()))
		if werr := p.Wait(ctx, key); werr != nil {
			return errors.Join(err, werr)
		}
	}
}
