package destinations

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"data-router/internal/common/errors"
	httpclient "data-router/internal/common/http"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
	"data-router/internal/signature"
)

// WebhookConfig configures the webhook destination
type WebhookConfig struct {
	URL       string            `json:"url" validate:"required,url"`
	Method    string            `json:"method" validate:"oneof=POST PUT PATCH"`
	Headers   map[string]string `json:"headers"`
	Timeout   Duration          `json:"timeout"`
	WrapKey   string            `json:"wrap_key"`
	Signature *signature.Config `json:"signature"`
}

func (c *WebhookConfig) setDefaults() {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
}

// Webhook POSTs each batch as a JSON array, or as an object under WrapKey
type Webhook struct {
	config WebhookConfig
	client *http.Client
	signer *signature.Signer
	logger logging.Logger
}

func buildWebhook(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config WebhookConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewWebhook(config, deps.Logger)
}

// NewWebhook creates a webhook destination
func NewWebhook(config WebhookConfig, logger logging.Logger) (*Webhook, error) {
	config.setDefaults()

	w := &Webhook{
		config: config,
		client: httpclient.NewHTTPClient(httpclient.WithTimeout(config.Timeout.Std(30 * time.Second))),
		logger: logging.OrGlobal(logger),
	}

	if config.Signature != nil {
		signer, err := signature.NewSigner(*config.Signature)
		if err != nil {
			return nil, errors.ConfigError("invalid webhook signature config", err)
		}
		w.signer = signer
	}
	return w, nil
}

// Deliver sends the batch in one request
func (w *Webhook) Deliver(ctx context.Context, records []record.Record) (int, error) {
	var payload interface{} = records
	if w.config.WrapKey != "" {
		payload = map[string]interface{}{w.config.WrapKey: records}
	}
	body, err := record.Marshal(payload)
	if err != nil {
		return 0, delivery.Permanent(fmt.Errorf("failed to encode batch: %w", err))
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range w.config.Headers {
		headers[k] = v
	}
	if w.signer != nil {
		sig, err := w.signer.Sign(body)
		if err != nil {
			return 0, delivery.Permanent(err)
		}
		headers[w.signer.Header()] = sig
	}

	resp, err := httpclient.Do(ctx, w.client, httpclient.RequestOptions{
		Method:  w.config.Method,
		URL:     w.config.URL,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		return 0, classifyHTTPError(err)
	}

	w.logger.WithContext(ctx).Debug("Webhook accepted batch",
		logging.Int("status", resp.StatusCode),
		logging.Int("records", len(records)),
		logging.Duration("duration", resp.Duration),
	)
	return len(records), nil
}

// classifyHTTPError maps 5xx, 408, 429 and transport failures to retryable
// errors and every other status to a permanent one
func classifyHTTPError(err error) error {
	var statusErr *httpclient.StatusError
	if stderrors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return delivery.Retryable(err)
		}
		return delivery.Permanent(err)
	}
	return delivery.Retryable(fmt.Errorf("request failed: %w", err))
}
