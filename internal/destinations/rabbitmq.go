package destinations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// RabbitMQConfig configures the rabbitmq destination
type RabbitMQConfig struct {
	URL        string            `json:"url" validate:"required,url"`
	Exchange   string            `json:"exchange"`
	RoutingKey string            `json:"routing_key"`
	KeyField   string            `json:"key_field"`
	Headers    map[string]string `json:"headers"`
	Mandatory  bool              `json:"mandatory"`
}

// RabbitMQ publishes one persistent message per record with publisher
// confirms
type RabbitMQ struct {
	config RabbitMQConfig
	dial   func(url string) (*amqp.Connection, error)
	conn   *amqp.Connection
	mu     sync.Mutex
	logger logging.Logger
}

func buildRabbitMQ(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config RabbitMQConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	if config.RoutingKey == "" && config.KeyField == "" {
		return nil, fmt.Errorf("rabbitmq destination needs routing_key or key_field")
	}
	return NewRabbitMQ(config, deps.Logger), nil
}

// NewRabbitMQ creates the destination. The connection is opened on first
// delivery and re-dialled whenever it drops.
func NewRabbitMQ(config RabbitMQConfig, logger logging.Logger) *RabbitMQ {
	return &RabbitMQ{
		config: config,
		dial:   amqp.Dial,
		logger: logging.OrGlobal(logger),
	}
}

func (q *RabbitMQ) connection() (*amqp.Connection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn, nil
	}

	conn, err := q.dial(q.config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	q.conn = conn
	return conn, nil
}

// Deliver publishes the batch on a fresh confirm-mode channel
func (q *RabbitMQ) Deliver(ctx context.Context, records []record.Record) (int, error) {
	publishings, err := q.publishings(records)
	if err != nil {
		return 0, err
	}

	conn, err := q.connection()
	if err != nil {
		return 0, delivery.Retryable(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return 0, delivery.Retryable(fmt.Errorf("failed to open channel: %w", err))
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return 0, delivery.Retryable(fmt.Errorf("failed to enable publisher confirms: %w", err))
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, len(publishings)))

	for i, p := range publishings {
		if err := ch.Publish(q.config.Exchange, p.key, q.config.Mandatory, false, p.msg); err != nil {
			return 0, delivery.Retryable(fmt.Errorf("failed to publish record %d: %w", i, err))
		}
	}

	for range publishings {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case confirm, ok := <-confirms:
			if !ok {
				return 0, delivery.Retryable(fmt.Errorf("channel closed before all confirms arrived"))
			}
			if !confirm.Ack {
				return 0, delivery.Retryable(fmt.Errorf("broker nacked delivery tag %d", confirm.DeliveryTag))
			}
		}
	}

	q.logger.WithContext(ctx).Debug("Published batch",
		logging.String("exchange", q.config.Exchange),
		logging.Int("messages", len(publishings)),
	)
	return len(records), nil
}

type publishing struct {
	key string
	msg amqp.Publishing
}

func (q *RabbitMQ) publishings(records []record.Record) ([]publishing, error) {
	headers := amqp.Table{}
	for k, v := range q.config.Headers {
		headers[k] = v
	}

	out := make([]publishing, len(records))
	now := time.Now()
	for i, r := range records {
		body, err := record.Marshal(r)
		if err != nil {
			return nil, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", i, err))
		}

		key := q.config.RoutingKey
		if v := stringField(r, q.config.KeyField); v != "" {
			key = v
		}

		out[i] = publishing{
			key: key,
			msg: amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    now,
				Headers:      headers,
				Body:         body,
			},
		}
	}
	return out, nil
}

// Close closes the connection, if open
func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
