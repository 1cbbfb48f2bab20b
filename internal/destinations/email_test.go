package destinations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-router/internal/common/email"
	"data-router/internal/delivery"
	"data-router/internal/record"
)

type fakeSender struct {
	from string
	to   []string
	msg  []byte
	err  error
}

func (f *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.from, f.to, f.msg = from, to, msg
	return f.err
}

func newTestEmail(t *testing.T, config EmailConfig) (*Email, *fakeSender) {
	t.Helper()
	e, err := NewEmail("orders", config, nil)
	require.NoError(t, err)
	sender := &fakeSender{}
	e.sender = sender
	return e, sender
}

func TestEmailDeliver(t *testing.T) {
	e, sender := newTestEmail(t, EmailConfig{
		SMTP:            email.Config{Host: "smtp.example.com"},
		From:            "router@example.com",
		To:              []string{"ops@example.com"},
		SubjectTemplate: "{{count}} orders, first {{first.id}}",
	})

	n, err := e.Deliver(context.Background(), []record.Record{{"id": "o-1"}, {"id": "o-2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "router@example.com", sender.from)
	assert.Equal(t, []string{"ops@example.com"}, sender.to)

	mr, err := mail.CreateReader(bytes.NewReader(sender.msg))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "2 orders, first o-1", subject)

	var text, filename, attachment string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			text = string(body)
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
			attachment = string(body)
		}
	}

	assert.Contains(t, text, "2 records were routed to orders")
	assert.Equal(t, "orders.json", filename)
	assert.JSONEq(t, `[{"id":"o-1"},{"id":"o-2"}]`, attachment)
}

func TestEmailWithoutAttachment(t *testing.T) {
	attach := false
	e, sender := newTestEmail(t, EmailConfig{
		SMTP:       email.Config{Host: "smtp.example.com"},
		From:       "router@example.com",
		To:         []string{"ops@example.com"},
		AttachData: &attach,
	})

	_, err := e.Deliver(context.Background(), []record.Record{{"id": "o-1"}})
	require.NoError(t, err)
	assert.NotContains(t, string(sender.msg), "orders.json")
}

func TestEmailConfigDefaults(t *testing.T) {
	var config EmailConfig
	err := decodeConfig(map[string]interface{}{
		"smtp": map[string]interface{}{"host": "smtp.example.com"},
		"from": "router@example.com",
		"to":   []interface{}{"ops@example.com"},
	}, &config)
	require.NoError(t, err)

	assert.Equal(t, 587, config.SMTP.Port)
	assert.Equal(t, defaultEmailSubject, config.SubjectTemplate)
	require.NotNil(t, config.AttachData)
	assert.True(t, *config.AttachData)
}

func TestEmailConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{
			name: "missing host",
			raw:  map[string]interface{}{"from": "a@example.com", "to": []interface{}{"b@example.com"}},
		},
		{
			name: "bad recipient",
			raw: map[string]interface{}{
				"smtp": map[string]interface{}{"host": "smtp.example.com"},
				"from": "a@example.com",
				"to":   []interface{}{"not-an-address"},
			},
		},
		{
			name: "no recipients",
			raw: map[string]interface{}{
				"smtp": map[string]interface{}{"host": "smtp.example.com"},
				"from": "a@example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var config EmailConfig
			assert.Error(t, decodeConfig(tt.raw, &config))
		})
	}
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"mailbox unavailable", &textproto.Error{Code: 550, Msg: "no such user"}, false},
		{"greylisted", &textproto.Error{Code: 451, Msg: "try later"}, true},
		{"wrapped 5xx", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 554, Msg: "rejected"}), false},
		{"network", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, delivery.IsRetryable(classifySMTPError(tt.err)))
		})
	}
}

func TestEmailSendFailure(t *testing.T) {
	e, sender := newTestEmail(t, EmailConfig{
		SMTP: email.Config{Host: "smtp.example.com"},
		From: "router@example.com",
		To:   []string{"ops@example.com"},
	})
	sender.err = &textproto.Error{Code: 550, Msg: "rejected"}

	n, err := e.Deliver(context.Background(), []record.Record{{"id": "o-1"}})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, delivery.IsPermanent(err))
}
