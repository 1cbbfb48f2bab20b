package destinations

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aymerick/raymond"

	"data-router/internal/common/errors"
	httpclient "data-router/internal/common/http"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

const defaultSlackTemplate = "{{count}} records delivered to {{destination_id}}"

// maxAttachmentRecords caps the records rendered into a data attachment
const maxAttachmentRecords = 20

// SlackConfig configures the slack destination
type SlackConfig struct {
	WebhookURL      string   `json:"webhook_url" validate:"required,url"`
	Channel         string   `json:"channel"`
	Username        string   `json:"username"`
	IconEmoji       string   `json:"icon_emoji"`
	MessageTemplate string   `json:"message_template"`
	IncludeData     bool     `json:"include_data"`
	Timeout         Duration `json:"timeout"`
}

func (c *SlackConfig) setDefaults() {
	if c.MessageTemplate == "" {
		c.MessageTemplate = defaultSlackTemplate
	}
}

// Slack posts one message per batch to an incoming webhook
type Slack struct {
	id       string
	config   SlackConfig
	template *raymond.Template
	client   *http.Client
	logger   logging.Logger
}

func buildSlack(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config SlackConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewSlack(cfg.ID, config, deps.Logger)
}

// NewSlack parses the message template and creates the destination
func NewSlack(id string, config SlackConfig, logger logging.Logger) (*Slack, error) {
	config.setDefaults()

	tmpl, err := raymond.Parse(config.MessageTemplate)
	if err != nil {
		return nil, errors.ConfigError("invalid slack message_template", err)
	}

	return &Slack{
		id:       id,
		config:   config,
		template: tmpl,
		client:   httpclient.NewHTTPClient(httpclient.WithTimeout(config.Timeout.Std(10 * time.Second))),
		logger:   logging.OrGlobal(logger),
	}, nil
}

// Deliver renders and posts the batch message
func (s *Slack) Deliver(ctx context.Context, records []record.Record) (int, error) {
	text, err := s.template.Exec(templateContext(s.id, records))
	if err != nil {
		return 0, delivery.Permanent(fmt.Errorf("failed to render slack message: %w", err))
	}

	message := map[string]interface{}{"text": text}
	if s.config.Channel != "" {
		message["channel"] = s.config.Channel
	}
	if s.config.Username != "" {
		message["username"] = s.config.Username
	}
	if s.config.IconEmoji != "" {
		message["icon_emoji"] = s.config.IconEmoji
	}
	if s.config.IncludeData {
		attachment, err := dataAttachment(records)
		if err != nil {
			return 0, err
		}
		message["attachments"] = []interface{}{attachment}
	}

	body, err := record.Marshal(message)
	if err != nil {
		return 0, delivery.Permanent(fmt.Errorf("failed to encode slack message: %w", err))
	}

	if _, err := httpclient.Do(ctx, s.client, httpclient.RequestOptions{
		URL:     s.config.WebhookURL,
		Body:    body,
		Headers: map[string]string{"Content-Type": "application/json"},
	}); err != nil {
		return 0, classifyHTTPError(err)
	}

	s.logger.WithContext(ctx).Debug("Posted slack message", logging.Int("records", len(records)))
	return len(records), nil
}

// templateContext is the data handed to message templates
func templateContext(destinationID string, records []record.Record) map[string]interface{} {
	rows := make([]interface{}, len(records))
	for i, r := range records {
		rows[i] = map[string]interface{}(r)
	}

	ctx := map[string]interface{}{
		"count":          len(records),
		"destination_id": destinationID,
		"records":        rows,
		"date":           time.Now().UTC().Format("2006-01-02"),
	}
	if len(rows) > 0 {
		ctx["first"] = rows[0]
	}
	return ctx
}

func dataAttachment(records []record.Record) (map[string]interface{}, error) {
	shown := records
	title := fmt.Sprintf("%d records", len(records))
	if len(shown) > maxAttachmentRecords {
		shown = shown[:maxAttachmentRecords]
		title = fmt.Sprintf("first %d of %d records", maxAttachmentRecords, len(records))
	}

	data, err := record.MarshalIndent(shown, "", "  ")
	if err != nil {
		return nil, delivery.Permanent(fmt.Errorf("failed to encode slack attachment: %w", err))
	}
	return map[string]interface{}{
		"title": title,
		"text":  "```" + string(data) + "```",
	}, nil
}
