package delivery

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls how one destination's records are batched and retried
type Policy struct {
	BatchSize         int           `json:"batch_size" yaml:"batch_size"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            float64       `json:"jitter" yaml:"jitter"`
	AttemptTimeout    time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	// RateLimit is the number of batches per second, 0 disables limiting
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

// DefaultPolicy returns the built-in delivery defaults
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:         100,
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		AttemptTimeout:    30 * time.Second,
		RateLimit:         0,
		RateBurst:         1,
	}
}

// Validate checks if the policy is usable
func (p Policy) Validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max_backoff %v is shorter than initial_backoff %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", p.BackoffMultiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %v", p.Jitter)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive, got %v", p.AttemptTimeout)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %v", p.RateLimit)
	}
	if p.RateLimit > 0 && p.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be positive when rate_limit is set, got %d", p.RateBurst)
	}
	return nil
}

// Overrides is the per-destination delivery block. Nil fields inherit.
type Overrides struct {
	BatchSize         *int           `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxAttempts       *int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialBackoff    *time.Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	MaxBackoff        *time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	BackoffMultiplier *float64       `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	Jitter            *float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	AttemptTimeout    *time.Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	RateLimit         *float64       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	RateBurst         *int           `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`
}

// Apply returns p with every set override applied
func (p Policy) Apply(o *Overrides) Policy {
	if o == nil {
		return p
	}
	if o.BatchSize != nil {
		p.BatchSize = *o.BatchSize
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.InitialBackoff != nil {
		p.InitialBackoff = *o.InitialBackoff
	}
	if o.MaxBackoff != nil {
		p.MaxBackoff = *o.MaxBackoff
	}
	if o.BackoffMultiplier != nil {
		p.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	if o.AttemptTimeout != nil {
		p.AttemptTimeout = *o.AttemptTimeout
	}
	if o.RateLimit != nil {
		p.RateLimit = *o.RateLimit
	}
	if o.RateBurst != nil {
		p.RateBurst = *o.RateBurst
	}
	return p
}

// Backoff returns the wait before retry number retry (1 for the first retry).
// The delay grows by BackoffMultiplier, is capped at MaxBackoff, and gains up
// to Jitter of itself at random.
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	delay := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retry-1))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 && delay > 0 {
		delay += rand.Float64() * delay * p.Jitter
	}
	return time.Duration(delay)
}

// Chunk splits records into consecutive batches of at most size records
func Chunk[T any](records []T, size int) [][]T {
	if size <= 0 {
		size = len(records)
	}
	if len(records) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end:end])
	}
	return chunks
}
