package local

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
)

// Mailer delivers verification mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailerConfig selects and configures a Mailer.
type MailerConfig struct {
	Addr     string // host:port; empty selects the log mailer
	Username string
	Password string
	From     string
}

// NewMailer returns an SMTP mailer when an address is configured, otherwise
// a mailer that writes the message to the log.
func NewMailer(cfg MailerConfig) Mailer {
	if cfg.Addr == "" {
		logging.Warn("SMTP_ADDR not set, verification links will be logged")
		return LogMailer{}
	}
	return &SMTPMailer{cfg: cfg}
}

// LogMailer logs messages instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	logging.WithContext(ctx).Info("verification mail",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	cfg MailerConfig
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("parse SMTP_ADDR: %w", err)
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}

	msg := "From: " + m.cfg.From + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body

	// smtp.SendMail takes no context; honour cancellation before dialing.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(m.cfg.Addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	logging.WithContext(ctx).Info("verification mail sent", zap.String("to", to))
	return nil
}
