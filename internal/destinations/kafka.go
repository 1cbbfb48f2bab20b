package destinations

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// KafkaConfig configures the kafka destination
type KafkaConfig struct {
	Brokers          []string          `json:"brokers" validate:"required,min=1,dive,required"`
	Topic            string            `json:"topic" validate:"required"`
	ClientID         string            `json:"client_id"`
	KeyField         string            `json:"key_field"`
	Headers          map[string]string `json:"headers"`
	Acks             string            `json:"acks" validate:"oneof=0 1 all"`
	SecurityProtocol string            `json:"security_protocol" validate:"oneof=PLAINTEXT SSL SASL_PLAINTEXT SASL_SSL"`
	SASLMechanism    string            `json:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	SASLUsername     string            `json:"sasl_username"`
	SASLPassword     string            `json:"sasl_password"`
}

func (c *KafkaConfig) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "data-router"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.SecurityProtocol == "" {
		c.SecurityProtocol = "PLAINTEXT"
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") && c.SASLMechanism == "" {
		c.SASLMechanism = "PLAIN"
	}
}

// configMap renders the librdkafka producer settings
func (c *KafkaConfig) configMap() *kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"client.id":         c.ClientID,
		"acks":              c.Acks,
	}

	if c.SecurityProtocol != "PLAINTEXT" {
		cm["security.protocol"] = c.SecurityProtocol
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		cm["sasl.mechanism"] = c.SASLMechanism
		cm["sasl.username"] = c.SASLUsername
		cm["sasl.password"] = c.SASLPassword
	}
	return &cm
}

// Kafka produces one message per record
type Kafka struct {
	config   KafkaConfig
	producer *kafka.Producer
	logger   logging.Logger
}

func buildKafka(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config KafkaConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewKafka(config, deps.Logger)
}

// NewKafka creates the producer. librdkafka connects in the background.
func NewKafka(config KafkaConfig, logger logging.Logger) (*Kafka, error) {
	config.setDefaults()

	producer, err := kafka.NewProducer(config.configMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Kafka{config: config, producer: producer, logger: logging.OrGlobal(logger)}, nil
}

// Deliver produces every record and waits for all delivery reports
func (k *Kafka) Deliver(ctx context.Context, records []record.Record) (int, error) {
	messages, err := kafkaMessages(&k.config, records)
	if err != nil {
		return 0, err
	}

	deliveryChan := make(chan kafka.Event, len(messages))
	for _, msg := range messages {
		if err := k.producer.Produce(msg, deliveryChan); err != nil {
			return 0, classifyKafkaError(fmt.Errorf("failed to produce message: %w", err))
		}
	}

	var firstErr error
	for range messages {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case e := <-deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil && firstErr == nil {
				firstErr = fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
			}
		}
	}
	if firstErr != nil {
		return 0, classifyKafkaError(firstErr)
	}

	k.logger.WithContext(ctx).Debug("Produced batch",
		logging.String("topic", k.config.Topic),
		logging.Int("messages", len(messages)),
	)
	return len(records), nil
}

// Close flushes outstanding messages and closes the producer
func (k *Kafka) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	return nil
}

func kafkaMessages(config *KafkaConfig, records []record.Record) ([]*kafka.Message, error) {
	topic := config.Topic

	headers := make([]kafka.Header, 0, len(config.Headers))
	for key, value := range config.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	messages := make([]*kafka.Message, len(records))
	for i, r := range records {
		value, err := record.Marshal(r)
		if err != nil {
			return nil, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", i, err))
		}

		msg := &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Value:          value,
			Headers:        headers,
		}
		if key := stringField(r, config.KeyField); key != "" {
			msg.Key = []byte(key)
		}
		messages[i] = msg
	}
	return messages, nil
}

// classifyKafkaError treats oversized and malformed messages as permanent
func classifyKafkaError(err error) error {
	var kerr kafka.Error
	if stderrors.As(err, &kerr) {
		switch kerr.Code() {
		case kafka.ErrMsgSizeTooLarge, kafka.ErrInvalidMsg, kafka.ErrInvalidMsgSize, kafka.ErrTopicAuthorizationFailed:
			return delivery.Permanent(err)
		}
		if kerr.IsFatal() {
			return delivery.Permanent(err)
		}
	}
	return delivery.Retryable(err)
}
