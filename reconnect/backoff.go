package reconnect

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the exponential curve shared by reconnection and batch retries:
// Base x 2^attempt x uniform(0.75, 1.25), capped at Max.
type Backoff struct {
	Base time.Duration `json:"base" toml:"base"`
	Max  time.Duration `json:"max" toml:"max"`

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64 `json:"-" toml:"-"`
}

// DefaultBackoff is used when a zero Backoff is supplied.
var DefaultBackoff = Backoff{Base: 250 * time.Millisecond, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	factor := 0.75 + 0.5*r()
	delay := float64(b.Base) * math.Pow(2, float64(attempt)) * factor
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
