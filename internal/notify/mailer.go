package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"keysync/internal/logging"
)

// Mailer sends a rendered message
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay
type SMTPMailer struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for the relay at config.Addr
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("smtp address is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	return &SMTPMailer{config: config, send: smtp.SendMail}, nil
}

// Send delivers msg. The context is checked before dialing only.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.config.Username != "" {
		host, _, err := net.SplitHostPort(m.config.Addr)
		if err != nil {
			return fmt.Errorf("invalid smtp address: %w", err)
		}
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, host)
	}

	if err := m.send(m.config.Addr, auth, m.config.From, []string{msg.To}, m.format(msg)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

func (m *SMTPMailer) format(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogMailer records deliveries in the log instead of sending them.
// The message body holds the secret and is not logged.
type LogMailer struct {
	logger *logging.Logger
}

func NewLogMailer(logger *logging.Logger) *LogMailer {
	if logger == nil {
		logger = logging.NewLogger("mailer")
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.Info("Mail delivery skipped, no SMTP relay configured", "to", msg.To, "subject", msg.Subject)
	return nil
}
