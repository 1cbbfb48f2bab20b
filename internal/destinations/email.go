package destinations

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/textproto"

	"github.com/aymerick/raymond"

	"data-router/internal/common/email"
	"data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

const (
	defaultEmailSubject = "{{count}} records from {{destination_id}}"
	defaultEmailBody    = "{{count}} records were routed to {{destination_id}} on {{date}}."
)

// EmailConfig configures the email destination
type EmailConfig struct {
	SMTP            email.Config `json:"smtp"`
	From            string       `json:"from" validate:"required,email"`
	FromName        string       `json:"from_name"`
	To              []string     `json:"to" validate:"required,min=1,dive,email"`
	SubjectTemplate string       `json:"subject_template"`
	BodyTemplate    string       `json:"body_template"`
	AttachData      *bool        `json:"attach_data"`
}

func (c *EmailConfig) setDefaults() {
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SubjectTemplate == "" {
		c.SubjectTemplate = defaultEmailSubject
	}
	if c.BodyTemplate == "" {
		c.BodyTemplate = defaultEmailBody
	}
	if c.AttachData == nil {
		attach := true
		c.AttachData = &attach
	}
}

// Email sends one summary message per batch, with the records attached as
// JSON
type Email struct {
	id      string
	config  EmailConfig
	subject *raymond.Template
	body    *raymond.Template
	sender  interface {
		Send(ctx context.Context, from string, to []string, msg []byte) error
	}
	logger logging.Logger
}

func buildEmail(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
	var config EmailConfig
	if err := decodeConfig(cfg.Config, &config); err != nil {
		return nil, err
	}
	return NewEmail(cfg.ID, config, deps.Logger)
}

// NewEmail parses the templates and creates the destination
func NewEmail(id string, config EmailConfig, logger logging.Logger) (*Email, error) {
	config.setDefaults()

	subject, err := raymond.Parse(config.SubjectTemplate)
	if err != nil {
		return nil, errors.ConfigError("invalid email subject_template", err)
	}
	body, err := raymond.Parse(config.BodyTemplate)
	if err != nil {
		return nil, errors.ConfigError("invalid email body_template", err)
	}

	return &Email{
		id:      id,
		config:  config,
		subject: subject,
		body:    body,
		sender:  email.NewSender(config.SMTP),
		logger:  logging.OrGlobal(logger),
	}, nil
}

// Deliver renders and sends the batch summary
func (e *Email) Deliver(ctx context.Context, records []record.Record) (int, error) {
	msg, err := e.message(records)
	if err != nil {
		return 0, delivery.Permanent(err)
	}

	if err := e.sender.Send(ctx, e.config.From, e.config.To, msg); err != nil {
		return 0, classifySMTPError(err)
	}

	e.logger.WithContext(ctx).Debug("Sent batch email",
		logging.Strings("to", e.config.To),
		logging.Int("records", len(records)),
	)
	return len(records), nil
}

func (e *Email) message(records []record.Record) ([]byte, error) {
	data := templateContext(e.id, records)

	subject, err := e.subject.Exec(data)
	if err != nil {
		return nil, fmt.Errorf("failed to render email subject: %w", err)
	}
	text, err := e.body.Exec(data)
	if err != nil {
		return nil, fmt.Errorf("failed to render email body: %w", err)
	}

	msg := email.Message{
		From:     e.config.From,
		FromName: e.config.FromName,
		To:       e.config.To,
		Subject:  subject,
		Text:     text,
	}
	if *e.config.AttachData {
		payload, err := record.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode attachment: %w", err)
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    e.id + ".json",
			ContentType: "application/json",
			Data:        payload,
		})
	}
	return msg.Build()
}

// classifySMTPError treats 5xx replies as permanent and everything else,
// including 4xx and network failures, as retryable
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if stderrors.As(err, &protoErr) && protoErr.Code >= 500 {
		return delivery.Permanent(err)
	}
	return delivery.Retryable(err)
}
