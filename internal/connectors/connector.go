// Package connectors holds the statically linked connector implementations
// that supply right-hand data to join steps.
package connectors

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"data-router/internal/common/registry"
	"data-router/internal/record"
)

// Connector fetches a batch of records for the given parameters
type Connector interface {
	Fetch(ctx context.Context, params map[string]interface{}) ([]record.Record, error)
}

// Func adapts a function to the Connector interface
type Func func(ctx context.Context, params map[string]interface{}) ([]record.Record, error)

// Fetch calls f
func (f Func) Fetch(ctx context.Context, params map[string]interface{}) ([]record.Record, error) {
	return f(ctx, params)
}

// Static serves a fixed dataset regardless of params
type Static struct {
	rows record.Batch
}

// NewStatic builds a connector over the given rows
func NewStatic(rows []map[string]interface{}) *Static {
	s := &Static{rows: make(record.Batch, len(rows))}
	for i, row := range rows {
		s.rows[i] = record.New(row)
	}
	return s
}

// Fetch returns a copy of the dataset
func (s *Static) Fetch(context.Context, map[string]interface{}) ([]record.Record, error) {
	return s.rows.Clone(), nil
}

// File reads a JSON array or JSON lines file on every fetch. A "path"
// param overrides the configured path.
type File struct {
	Path string
}

// Fetch loads the file
func (f *File) Fetch(_ context.Context, params map[string]interface{}) ([]record.Record, error) {
	path := f.Path
	if p, ok := params["path"].(string); ok && p != "" {
		path = p
	}
	if path == "" {
		return nil, fmt.Errorf("file connector requires a path")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return record.DecodeBatch(file)
}

// Registry resolves connector ids to implementations
type Registry struct {
	connectors *registry.Registry[Connector]
}

// NewRegistry creates an empty connector registry
func NewRegistry() *Registry {
	return &Registry{connectors: registry.New[Connector]("connector")}
}

// Register adds a connector under id
func (r *Registry) Register(id string, c Connector) {
	r.connectors.Register(id, c)
}

// IDs lists the registered connector ids
func (r *Registry) IDs() []string {
	return r.connectors.Names()
}

// Fetch resolves the connector and fetches from it
func (r *Registry) Fetch(ctx context.Context, connectorID string, params map[string]interface{}) ([]record.Record, error) {
	c, err := r.connectors.Get(connectorID)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, params)
}

// Source is the lookup Cache wraps; *Registry satisfies it
type Source interface {
	Fetch(ctx context.Context, connectorID string, params map[string]interface{}) ([]record.Record, error)
}

// Cache memoizes fetches for the lifetime of one route execution so every
// join over the same connector and params sees the same data. Concurrent
// callers for the same key share one fetch.
type Cache struct {
	source Source
	group  singleflight.Group

	mu      sync.Mutex
	results map[string]record.Batch
}

// NewCache wraps source with a per-execution cache
func NewCache(source Source) *Cache {
	return &Cache{source: source, results: make(map[string]record.Batch)}
}

// Fetch returns cached rows or fetches them once
func (c *Cache) Fetch(ctx context.Context, connectorID string, params map[string]interface{}) ([]record.Record, error) {
	key, err := cacheKey(connectorID, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached, ok := c.results[key]
	c.mu.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		rows, err := c.source.Fetch(ctx, connectorID, params)
		if err != nil {
			return nil, err
		}
		batch := record.Batch(rows)
		c.mu.Lock()
		c.results[key] = batch
		c.mu.Unlock()
		return batch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(record.Batch).Clone(), nil
}

func cacheKey(connectorID string, params map[string]interface{}) (string, error) {
	data, err := record.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode connector params: %w", err)
	}
	return connectorID + "\x00" + string(data), nil
}
