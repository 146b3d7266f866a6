// Package backoff provides exponential backoff with jitter for reconnect and
// retry loops.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential schedule: Base * Multiplier^(attempt-1),
// clamped to Cap, plus up to Jitter of proportional noise.
type Policy struct {
	// Base is the delay before the second attempt.
	Base time.Duration `yaml:"base" json:"base"`
	// Multiplier is applied once per attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Cap bounds every delay, jitter included.
	Cap time.Duration `yaml:"cap" json:"cap"`
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// MaxAttempts stops retrying after this many attempts. Zero retries
	// until the context is cancelled.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultPolicy returns the reconnect schedule used for tool servers.
// Base: 1s, Multiplier: 2, Cap: 60s, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        time.Minute,
		Jitter:     0.1,
	}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Validate reports obviously broken schedules.
func (p Policy) Validate() error {
	if p.Base < 0 || p.Cap < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("backoff max_attempts must not be negative")
	}
	return nil
}

// Delay returns the wait before the attempt after the given one.
// Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Base) * math.Pow(p.Multiplier, exp)
	total := math.Min(float64(p.Cap), base+base*p.Jitter*randomValue)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return p.Cap
	}
	return time.Duration(total)
}
