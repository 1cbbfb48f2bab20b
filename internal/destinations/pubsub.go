package destinations

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// PubSubConfig configures the pubsub destination
type PubSubConfig struct {
	ProjectID       string   `json:"project_id" validate:"required"`
	TopicID         string   `json:"topic_id" validate:"required"`
	CredentialsJSON string   `json:"credentials_json"`
	CredentialsPath string   `json:"credentials_path"`
	Endpoint        string   `json:"endpoint"`
	OrderingField   string   `json:"ordering_field"`
	AttributeFields []string `json:"attribute_fields"`
}

// PubSub publishes each record and waits for every server ack
type PubSub struct {
	config PubSubConfig
	client *pubsub.Client
	topic  *pubsub.Topic
	logger logging.Logger
}

func buildPubSub(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config PubSubConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewPubSub(ctx, config, deps.Logger)
}

// NewPubSub creates the client and topic handle
func NewPubSub(ctx context.Context, config PubSubConfig, logger logging.Logger) (*PubSub, error) {
	var opts []option.ClientOption
	if config.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(config.CredentialsJSON)))
	} else if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
	}

	client, err := pubsub.NewClient(ctx, config.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}

	topic := client.Topic(config.TopicID)
	topic.PublishSettings.CountThreshold = 100
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	if config.OrderingField != "" {
		topic.EnableMessageOrdering = true
	}

	return &PubSub{config: config, client: client, topic: topic, logger: logging.OrGlobal(logger)}, nil
}

// Deliver publishes the batch and blocks until every result is known
func (p *PubSub) Deliver(ctx context.Context, records []record.Record) (int, error) {
	results := make([]*pubsub.PublishResult, len(records))
	for i, r := range records {
		data, err := record.Marshal(r)
		if err != nil {
			return 0, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", i, err))
		}
		results[i] = p.topic.Publish(ctx, &pubsub.Message{
			Data:        data,
			Attributes:  stringAttributes(r, p.config.AttributeFields),
			OrderingKey: stringField(r, p.config.OrderingField),
		})
	}

	var firstErr error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to publish record %d: %w", i, err)
		}
	}
	if firstErr != nil {
		return 0, classifyGRPCError(firstErr)
	}

	p.logger.WithContext(ctx).Debug("Published batch to Pub/Sub",
		logging.String("topic", p.config.TopicID),
		logging.Int("messages", len(records)),
	)
	return len(records), nil
}

// Close stops the topic's publisher and closes the client
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// classifyGRPCError treats argument, permission and not-found failures as
// permanent
func classifyGRPCError(err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
			return delivery.Permanent(err)
		}
	}
	return delivery.Retryable(err)
}
