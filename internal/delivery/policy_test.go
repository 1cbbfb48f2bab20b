package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 100, p.BatchSize)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 1*time.Second, p.InitialBackoff)
	assert.Equal(t, 30*time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, 0.1, p.Jitter)
	assert.Equal(t, 30*time.Second, p.AttemptTimeout)
	assert.Equal(t, 0.0, p.RateLimit)
	assert.Equal(t, 1, p.RateBurst)
	assert.NoError(t, p.Validate())
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"zero batch size", func(p *Policy) { p.BatchSize = 0 }},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }},
		{"negative backoff", func(p *Policy) { p.InitialBackoff = -time.Second }},
		{"max below initial", func(p *Policy) { p.MaxBackoff = time.Millisecond }},
		{"multiplier below one", func(p *Policy) { p.BackoffMultiplier = 0.5 }},
		{"jitter above one", func(p *Policy) { p.Jitter = 1.5 }},
		{"zero attempt timeout", func(p *Policy) { p.AttemptTimeout = 0 }},
		{"negative rate", func(p *Policy) { p.RateLimit = -1 }},
		{"rate without burst", func(p *Policy) { p.RateLimit = 5; p.RateBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPolicyApply(t *testing.T) {
	size := 10
	jitter := 0.0
	timeout := 5 * time.Second

	p := DefaultPolicy().Apply(&Overrides{
		BatchSize:      &size,
		Jitter:         &jitter,
		AttemptTimeout: &timeout,
	})

	assert.Equal(t, 10, p.BatchSize)
	assert.Equal(t, 0.0, p.Jitter)
	assert.Equal(t, 5*time.Second, p.AttemptTimeout)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, DefaultPolicy(), DefaultPolicy().Apply(nil))
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        30 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 30*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 30*time.Millisecond, p.Backoff(10))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(0))

	p.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	chunks := Chunk(items, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2}, chunks[0])
	assert.Equal(t, []int{3, 4}, chunks[1])
	assert.Equal(t, []int{5}, chunks[2])

	assert.Len(t, Chunk(items, 5), 1)
	assert.Len(t, Chunk(items, 0), 1)
	assert.Nil(t, Chunk([]int{}, 3))

	chunks = Chunk(items, 2)
	chunks[0] = append(chunks[0], 99)
	assert.Equal(t, 3, items[2])
}
