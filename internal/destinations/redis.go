package destinations

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// RedisConfig configures the redis stream destination
type RedisConfig struct {
	Addr     string `json:"addr" validate:"required,hostname_port"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"min=0"`
	PoolSize int    `json:"pool_size" validate:"min=0"`
	Stream   string `json:"stream" validate:"required"`
	MaxLen   int64  `json:"max_len" validate:"min=0"`
	IDField  string `json:"id_field"`
}

// Redis appends each record to a stream with XADD
type Redis struct {
	config RedisConfig
	client *redis.Client
	logger logging.Logger
}

func buildRedis(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config RedisConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewRedis(config, deps.Logger), nil
}

// NewRedis creates the client. Connections are made lazily.
func NewRedis(config RedisConfig, logger logging.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})
	return &Redis{config: config, client: client, logger: logging.OrGlobal(logger)}
}

// Deliver adds the batch in one MULTI/EXEC transaction
func (r *Redis) Deliver(ctx context.Context, records []record.Record) (int, error) {
	now := time.Now().UnixMilli()

	pipe := r.client.TxPipeline()
	for i, rec := range records {
		body, err := record.Marshal(rec)
		if err != nil {
			return 0, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", i, err))
		}

		values := map[string]interface{}{
			"body":      string(body),
			"timestamp": now,
		}
		if id := stringField(rec, r.config.IDField); id != "" {
			values["record_id"] = id
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.config.Stream,
			MaxLen: r.config.MaxLen,
			Approx: r.config.MaxLen > 0,
			Values: values,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, classifyRedisError(fmt.Errorf("failed to add to stream %s: %w", r.config.Stream, err))
	}

	r.logger.WithContext(ctx).Debug("Appended batch to stream",
		logging.String("stream", r.config.Stream),
		logging.Int("entries", len(records)),
	)
	return len(records), nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}

// classifyRedisError treats server replies to the command as permanent,
// except LOADING and BUSY states
func classifyRedisError(err error) error {
	var redisErr redis.Error
	if stderrors.As(err, &redisErr) {
		msg := redisErr.Error()
		if strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN") {
			return delivery.Retryable(err)
		}
		return delivery.Permanent(err)
	}
	return delivery.Retryable(err)
}
