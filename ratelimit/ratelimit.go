// Package ratelimit implements sliding-window admission control per
// operation category. Rejected calls fail immediately; nothing is queued.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned by Admit when the category's window is full.
var ErrRateLimitExceeded = errors.New("ratelimit: limit exceeded")

// Limit admits at most Max calls in any trailing window of length Window.
// A zero Limit admits everything.
type Limit struct {
	Max    int           `json:"max" toml:"max"`
	Window time.Duration `json:"window" toml:"window"`
}

func (l Limit) disabled() bool { return l.Max <= 0 || l.Window <= 0 }

// Limiter tracks one window per category.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	def     Limit
	windows map[string][]time.Time
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets the limit for a category.
func WithLimit(category string, lim Limit) Option {
	return func(l *Limiter) { l.limits[category] = lim }
}

// WithDefault applies lim to categories without an explicit limit.
func WithDefault(lim Limit) Option {
	return func(l *Limiter) { l.def = lim }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Limit),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimit replaces the limit for category. Timestamps still inside the new
// window are kept and judged against the new limit; the rest are dropped.
func (l *Limiter) SetLimit(category string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[category] = lim
	l.refit(category, lim)
}

// SetDefault replaces the fallback limit.
func (l *Limiter) SetDefault(lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.def = lim
	for category := range l.windows {
		if _, ok := l.limits[category]; !ok {
			l.refit(category, lim)
		}
	}
}

// refit trims category's window to what lim can still look at: entries
// inside the window, at most Max of them.
func (l *Limiter) refit(category string, lim Limit) {
	if lim.disabled() {
		delete(l.windows, category)
		return
	}
	win := prune(l.windows[category], l.now().Add(-lim.Window))
	if len(win) > lim.Max {
		win = append([]time.Time(nil), win[len(win)-lim.Max:]...)
	}
	if len(win) == 0 {
		delete(l.windows, category)
		return
	}
	l.windows[category] = win
}

func (l *Limiter) limitFor(category string) Limit {
	if lim, ok := l.limits[category]; ok {
		return lim
	}
	return l.def
}

// Admit records a call in category or rejects it with ErrRateLimitExceeded.
func (l *Limiter) Admit(category string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limitFor(category)
	if lim.disabled() {
		return nil
	}
	now := l.now()
	win := prune(l.windows[category], now.Add(-lim.Window))
	if len(win) >= lim.Max {
		l.windows[category] = win
		retry := win[0].Add(lim.Window).Sub(now)
		return fmt.Errorf("%w: %s allows %d per %s, retry in %s", ErrRateLimitExceeded, category, lim.Max, lim.Window, retry)
	}
	l.windows[category] = append(win, now)
	return nil
}

// Remaining reports how many more calls category would admit right now.
// It returns -1 for unlimited categories.
func (l *Limiter) Remaining(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim := l.limitFor(category)
	if lim.disabled() {
		return -1
	}
	win := prune(l.windows[category], l.now().Add(-lim.Window))
	l.windows[category] = win
	if n := lim.Max - len(win); n > 0 {
		return n
	}
	return 0
}

// prune drops timestamps at or before cutoff. win is ordered oldest first.
func prune(win []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return win
	}
	n := copy(win, win[i:])
	return win[:n]
}
