// Package email builds MIME messages and sends them over SMTP
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
)

// Config holds SMTP connection settings
type Config struct {
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port" validate:"min=1,max=65535"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UseSSL     bool   `json:"use_ssl"`
	SkipVerify bool   `json:"skip_verify"`
}

// Sender delivers raw messages through one SMTP server
type Sender struct {
	config Config
	dialer net.Dialer
}

// NewSender creates a sender
func NewSender(config Config) *Sender {
	return &Sender{config: config}
}

// Send transmits msg to every recipient. The connection honours the
// deadline of ctx.
func (s *Sender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	host := s.config.Host
	addr := net.JoinHostPort(host, strconv.Itoa(s.config.Port))

	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set SMTP deadline: %w", err)
		}
	}

	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.config.SkipVerify,
	}

	// Implicit TLS
	if s.config.UseSSL {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !s.config.UseSSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("SMTP STARTTLS failed: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}
