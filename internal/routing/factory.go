package routing

import (
	"context"
	"fmt"

	"data-router/internal/delivery"
)

// Factory builds destination capabilities from catalog entries
type Factory interface {
	Build(ctx context.Context, cfg DestinationConfig) (delivery.Destination, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(ctx context.Context, cfg DestinationConfig) (delivery.Destination, error)

// Build calls f
func (f FactoryFunc) Build(ctx context.Context, cfg DestinationConfig) (delivery.Destination, error) {
	return f(ctx, cfg)
}

// StaticFactory resolves destinations by id from a fixed map
type StaticFactory map[string]delivery.Destination

// Build returns the destination registered for cfg.ID
func (f StaticFactory) Build(_ context.Context, cfg DestinationConfig) (delivery.Destination, error) {
	dest, ok := f[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no destination registered for %q", ErrUnknownDestinationType, cfg.ID)
	}
	return dest, nil
}
