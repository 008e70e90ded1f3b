package retry

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
	DefaultJitter    = time.Second
	// DefaultCeiling bounds any single delay, jitter included.
	DefaultCeiling = 60 * time.Second
)

// Policy computes the delay before the next attempt of an operation:
// min(maxDelay, baseDelay * 2^(retryCount-1)) plus a random jitter,
// never exceeding the ceiling.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
	Ceiling   time.Duration

	randFn func() float64
}

type Option func(*Policy)

func WithJitter(d time.Duration) Option {
	return func(p *Policy) { p.Jitter = d }
}

func WithCeiling(d time.Duration) Option {
	return func(p *Policy) { p.Ceiling = d }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(p *Policy) { p.randFn = fn }
}

// NewPolicy creates a Policy. Non-positive durations fall back to the defaults.
func NewPolicy(base, maxDelay time.Duration, opts ...Option) *Policy {
	p := &Policy{
		BaseDelay: base,
		MaxDelay:  maxDelay,
		Jitter:    DefaultJitter,
		Ceiling:   DefaultCeiling,
		randFn:    rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultCeiling
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.randFn == nil {
		p.randFn = rand.Float64
	}
	return p
}

// Backoff returns the exponential component for the given retry count
// (1 for the first retry) without jitter.
func (p *Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Delay returns Backoff(retryCount) plus jitter, capped at the ceiling.
func (p *Policy) Delay(retryCount int) time.Duration {
	d := p.Backoff(retryCount)
	if p.Jitter > 0 {
		d += time.Duration(p.randFn() * float64(p.Jitter))
	}
	return min(d, p.Ceiling)
}

// NextAttempt returns the earliest time the operation may be attempted again.
func (p *Policy) NextAttempt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}
