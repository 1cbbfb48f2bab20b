// Package destinations implements the outbound destination types a route can
// deliver to. Each type decodes the loosely typed config blob of a
// routing.DestinationConfig into its own struct and validates it before any
// connection is made.
//
// Example usage:
//
//	factory := destinations.NewRegistry(logger)
//	loader := routing.NewLoader(factory, delivery.DefaultPolicy(), logger)
package destinations

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/common/registry"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// Deps carries the shared services handed to every builder
type Deps struct {
	Logger logging.Logger
	// Registerer receives the collectors of prometheus destinations
	Registerer prometheus.Registerer
}

// Builder creates a destination from its catalog entry
type Builder func(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error)

// Registry maps destination type tags to builders. It implements
// routing.Factory.
type Registry struct {
	builders *registry.Registry[Builder]
	deps     Deps
}

// Option configures a Registry
type Option func(*Registry)

// WithRegisterer sets where prometheus destinations register their
// collectors. The default is prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		r.deps.Registerer = reg
	}
}

// NewRegistry creates a registry holding every built-in destination type
func NewRegistry(logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		builders: registry.New[Builder]("destination type"),
		deps: Deps{
			Logger:     logging.OrGlobal(logger),
			Registerer: prometheus.DefaultRegisterer,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register("file", buildFile)
	r.Register("webhook", buildWebhook)
	r.Register("slack", buildSlack)
	r.Register("email", buildEmail)
	r.Register("postgres", buildPostgres)
	r.Register("sqlite", buildSQLite)
	r.Register("kafka", buildKafka)
	r.Register("rabbitmq", buildRabbitMQ)
	r.Register("sqs", buildSQS)
	r.Register("sns", buildSNS)
	r.Register("s3", buildS3)
	r.Register("pubsub", buildPubSub)
	r.Register("redis", buildRedis)
	r.Register("prometheus", buildPrometheus)

	return r
}

// Register adds or replaces the builder for a type tag
func (r *Registry) Register(destinationType string, builder Builder) {
	r.builders.Register(destinationType, builder)
}

// Types returns the registered type tags in sorted order
func (r *Registry) Types() []string {
	return r.builders.Names()
}

// Build resolves cfg.Type and builds the destination
func (r *Registry) Build(ctx context.Context, cfg routing.DestinationConfig) (delivery.Destination, error) {
	builder, err := r.builders.Get(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", routing.ErrUnknownDestinationType, cfg.Type)
	}

	deps := r.deps
	deps.Logger = deps.Logger.WithFields(
		logging.String("destination_id", cfg.ID),
		logging.String("destination_type", cfg.Type),
	)

	dest, err := builder(ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s destination %s: %w", cfg.Type, cfg.ID, err)
	}
	return dest, nil
}

var validate = validator.New()

// defaulter is implemented by config structs that fill unset fields
type defaulter interface {
	setDefaults()
}

// decodeConfig copies raw into dst, applies defaults and validates the result
func decodeConfig(raw map[string]interface{}, dst interface{}) error {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if err := record.Remarshal(raw, dst); err != nil {
		return errors.ConfigError("invalid destination config", err)
	}
	if d, ok := dst.(defaulter); ok {
		d.setDefaults()
	}
	if err := validate.Struct(dst); err != nil {
		return errors.ConfigError("invalid destination config", err)
	}
	return nil
}

// Duration decodes either a Go duration string ("1.5s") or a number of
// seconds
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		parsed, err := time.ParseDuration(strings.Trim(raw, `"`))
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := record.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s: %w", raw, err)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Std returns d as a time.Duration, or fallback when unset
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

// stringField renders the value at path, or "" when it is missing
func stringField(r record.Record, path string) string {
	if path == "" {
		return ""
	}
	v, ok := r.Get(path)
	if !ok || v == nil {
		return ""
	}
	return record.Render(v)
}
