package destinations

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

// sqsBatchLimit is the SendMessageBatch entry limit
const sqsBatchLimit = 10

// AWSConfig holds settings shared by the sqs, sns and s3 destinations.
// Static keys are optional; the default credential chain applies otherwise.
type AWSConfig struct {
	Region          string `json:"region" validate:"required"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	Endpoint        string `json:"endpoint" validate:"omitempty,url"`
}

func loadAWSConfig(ctx context.Context, c AWSConfig) (aws.Config, error) {
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(c.Region)}
	if c.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.ConfigError("failed to load AWS config", err)
	}
	return cfg, nil
}

// classifyAWSError treats client faults as permanent unless they signal
// throttling
func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "ThrottledException", "RequestThrottled",
			"RequestLimitExceeded", "SlowDown", "RequestTimeout", "KMSThrottlingException":
			return delivery.Retryable(err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return delivery.Permanent(err)
		}
	}
	return delivery.Retryable(err)
}

// stringAttributes renders the configured fields of r as attribute values
func stringAttributes(r record.Record, fields []string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v := stringField(r, f); v != "" {
			out[f] = v
		}
	}
	return out
}

// SQSConfig configures the sqs destination
type SQSConfig struct {
	AWSConfig
	QueueURL        string   `json:"queue_url" validate:"required,url"`
	AttributeFields []string `json:"attribute_fields"`
	GroupField      string   `json:"group_field"`
	DedupField      string   `json:"dedup_field"`
}

// sqsAPI is the subset of the sqs client the destination uses
type sqsAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQS sends records in SendMessageBatch calls of up to ten entries
type SQS struct {
	config SQSConfig
	client sqsAPI
	logger logging.Logger
}

func buildSQS(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config SQSConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, config.AWSConfig)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return &SQS{config: config, client: client, logger: logging.OrGlobal(deps.Logger)}, nil
}

// Deliver sends the batch. Any failed entry fails the whole delivery so the
// driver retries it.
func (s *SQS) Deliver(ctx context.Context, records []record.Record) (int, error) {
	sent := 0
	for start := 0; start < len(records); start += sqsBatchLimit {
		end := start + sqsBatchLimit
		if end > len(records) {
			end = len(records)
		}

		entries, err := s.entries(records[start:end], start)
		if err != nil {
			return 0, err
		}

		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(s.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			return 0, classifyAWSError(fmt.Errorf("failed to send message batch: %w", err))
		}
		if len(out.Failed) > 0 {
			failed := out.Failed[0]
			err := fmt.Errorf("%d of %d entries failed, first %s: %s",
				len(out.Failed), len(entries), aws.ToString(failed.Code), aws.ToString(failed.Message))
			if failed.SenderFault {
				return 0, delivery.Permanent(err)
			}
			return 0, delivery.Retryable(err)
		}
		sent += len(entries)
	}

	s.logger.WithContext(ctx).Debug("Sent batch to SQS", logging.Int("messages", sent))
	return sent, nil
}

func (s *SQS) entries(records []record.Record, offset int) ([]types.SendMessageBatchRequestEntry, error) {
	entries := make([]types.SendMessageBatchRequestEntry, len(records))
	for i, r := range records {
		body, err := record.Marshal(r)
		if err != nil {
			return nil, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", offset+i, err))
		}

		entry := types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(offset + i)),
			MessageBody: aws.String(string(body)),
		}
		if group := stringField(r, s.config.GroupField); group != "" {
			entry.MessageGroupId = aws.String(group)
		}
		if dedup := stringField(r, s.config.DedupField); dedup != "" {
			entry.MessageDeduplicationId = aws.String(dedup)
		}
		if attrs := stringAttributes(r, s.config.AttributeFields); len(attrs) > 0 {
			entry.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
			for k, v := range attrs {
				entry.MessageAttributes[k] = types.MessageAttributeValue{
					DataType:    aws.String("String"),
					StringValue: aws.String(v),
				}
			}
		}
		entries[i] = entry
	}
	return entries, nil
}

// SNSConfig configures the sns destination
type SNSConfig struct {
	AWSConfig
	TopicARN        string   `json:"topic_arn" validate:"required"`
	Subject         string   `json:"subject"`
	AttributeFields []string `json:"attribute_fields"`
	GroupField      string   `json:"group_field"`
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes each record as its own notification
type SNS struct {
	config SNSConfig
	client snsAPI
	logger logging.Logger
}

func buildSNS(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config SNSConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, config.AWSConfig)
	if err != nil {
		return nil, err
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return &SNS{config: config, client: client, logger: logging.OrGlobal(deps.Logger)}, nil
}

// Deliver publishes records in order and stops at the first failure
func (s *SNS) Deliver(ctx context.Context, records []record.Record) (int, error) {
	for i, r := range records {
		body, err := record.Marshal(r)
		if err != nil {
			return i, delivery.Permanent(fmt.Errorf("failed to encode record %d: %w", i, err))
		}

		input := &sns.PublishInput{
			TopicArn: aws.String(s.config.TopicARN),
			Message:  aws.String(string(body)),
		}
		if s.config.Subject != "" {
			input.Subject = aws.String(s.config.Subject)
		}
		if group := stringField(r, s.config.GroupField); group != "" {
			input.MessageGroupId = aws.String(group)
		}
		if attrs := stringAttributes(r, s.config.AttributeFields); len(attrs) > 0 {
			input.MessageAttributes = make(map[string]snsTypes.MessageAttributeValue, len(attrs))
			for k, v := range attrs {
				input.MessageAttributes[k] = snsTypes.MessageAttributeValue{
					DataType:    aws.String("String"),
					StringValue: aws.String(v),
				}
			}
		}

		if _, err := s.client.Publish(ctx, input); err != nil {
			return i, classifyAWSError(fmt.Errorf("failed to publish record %d: %w", i, err))
		}
	}

	s.logger.WithContext(ctx).Debug("Published batch to SNS", logging.Int("messages", len(records)))
	return len(records), nil
}

// S3Config configures the s3 destination
type S3Config struct {
	AWSConfig
	Bucket       string `json:"bucket" validate:"required"`
	KeyPrefix    string `json:"key_prefix"`
	UsePathStyle bool   `json:"use_path_style"`
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes each batch as one JSON lines object
type S3 struct {
	config S3Config
	client s3API
	now    func() time.Time
	logger logging.Logger
}

func buildS3(ctx context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config S3Config
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, config.AWSConfig)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})
	return &S3{config: config, client: client, now: time.Now, logger: logging.OrGlobal(deps.Logger)}, nil
}

// Deliver uploads the batch under <key_prefix>/<date>/<batch id>.jsonl
func (s *S3) Deliver(ctx context.Context, records []record.Record) (int, error) {
	var buf bytes.Buffer
	if err := record.EncodeLines(&buf, records); err != nil {
		return 0, delivery.Permanent(fmt.Errorf("failed to encode batch: %w", err))
	}

	key := s.objectKey()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		return 0, classifyAWSError(fmt.Errorf("failed to put object %s: %w", key, err))
	}

	s.logger.WithContext(ctx).Debug("Uploaded batch object",
		logging.String("bucket", s.config.Bucket),
		logging.String("key", key),
		logging.Int("records", len(records)),
	)
	return len(records), nil
}

func (s *S3) objectKey() string {
	now := s.now().UTC()
	return path.Join(s.config.KeyPrefix, now.Format("2006-01-02"), newBatchID(now)+".jsonl")
}
