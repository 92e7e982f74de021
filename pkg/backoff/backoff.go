// Package backoff computes jittered exponential retry delays. It never
// sleeps; callers schedule the returned delay.
package backoff

import (
	"math/rand"
	"time"
)

// Config describes a backoff schedule.
type Config struct {
	Min time.Duration
	Max time.Duration
	// Base is the growth factor per attempt.
	Base float64
	// Jitter scales the random extension, in [0, 1).
	Jitter float64
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		Min:    20 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Base:   1.6,
		Jitter: 0.25,
	}
}

// Backoff tracks consecutive attempts.
type Backoff struct {
	cfg     Config
	rand    *rand.Rand
	attempt int
}

// New creates a Backoff.
func New(cfg Config, r *rand.Rand) *Backoff {
	if cfg.Min <= 0 {
		cfg.Min = DefaultConfig().Min
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Base < 1 {
		cfg.Base = 1
	}
	return &Backoff{cfg: cfg, rand: r}
}

// Attempts returns the number of delays handed out since Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := float64(b.cfg.Min)
	for i := 0; i < b.attempt && d < float64(b.cfg.Max); i++ {
		d *= b.cfg.Base
	}
	if b.cfg.Jitter > 0 && b.rand != nil {
		d += d * b.cfg.Jitter * b.rand.Float64()
	}
	b.attempt++
	if d > float64(b.cfg.Max) {
		return b.cfg.Max
	}
	return time.Duration(d)
}

// Reset starts over from Min.
func (b *Backoff) Reset() {
	b.attempt = 0
}
