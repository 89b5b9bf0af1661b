package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Jitter selects how randomness is applied to a computed delay.
type Jitter string

const (
	JitterNone Jitter = "none"
	JitterFull Jitter = "full"
)

// Default backoff settings.
const (
	DefaultBaseDelay   = time.Second
	DefaultBackoffRate = 2.0
	DefaultMaxDelay    = 30 * time.Second
)

// Policy computes the wait before a retry attempt. The zero value retries
// without waiting.
type Policy struct {
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	BackoffRate float64       `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter      Jitter        `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultPolicy returns exponential backoff starting at one second, doubling
// on each attempt and capped at thirty seconds.
func DefaultPolicy() *Policy {
	return &Policy{
		BaseDelay:   DefaultBaseDelay,
		BackoffRate: DefaultBackoffRate,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      JitterNone,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if p == nil || p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	d := float64(p.BaseDelay) * math.Pow(rate, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not convert back.
	delay := time.Duration(math.MaxInt64)
	if d < float64(math.MaxInt64) {
		delay = time.Duration(d)
	}
	if p.Jitter == JitterFull && delay > 0 {
		n := int64(delay)
		if n < math.MaxInt64 {
			n++
		}
		delay = time.Duration(rand.Int64N(n))
	}
	return delay
}
