// Package delivery sends outbound batches to destinations with batching,
// retries and backoff.
package delivery

import (
	"context"
	"sync"

	"data-router/internal/record"
)

// Destination is an opaque delivery capability. Deliver returns the number
// of records accepted. Errors should be *DeliveryError; plain errors are
// treated as retryable.
type Destination interface {
	Deliver(ctx context.Context, records []record.Record) (int, error)
}

// Closer is implemented by destinations that hold connections
type Closer interface {
	Close() error
}

// DestinationFunc adapts a function to Destination
type DestinationFunc func(ctx context.Context, records []record.Record) (int, error)

// Deliver calls f
func (f DestinationFunc) Deliver(ctx context.Context, records []record.Record) (int, error) {
	return f(ctx, records)
}

// Memory collects delivered batches in memory
type Memory struct {
	mu      sync.Mutex
	batches [][]record.Record
}

// NewMemory creates an empty in-memory destination
func NewMemory() *Memory {
	return &Memory{}
}

// Deliver stores a deep copy of records
func (m *Memory) Deliver(ctx context.Context, records []record.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches = append(m.batches, record.Batch(records).Clone())
	return len(records), nil
}

// Batches returns the batches delivered so far
func (m *Memory) Batches() [][]record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]record.Record, len(m.batches))
	copy(out, m.batches)
	return out
}

// Records returns every delivered record in delivery order
func (m *Memory) Records() []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []record.Record
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}
