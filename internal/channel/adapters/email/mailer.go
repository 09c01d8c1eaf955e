package email

import (
	"context"
	"fmt"
	"strings"

	mg "github.com/mailgun/mailgun-go/v5"
	"github.com/wneessen/go-mail"

	"github.com/chatdesk/chatdesk/internal/config"
)

// MailgunMailer sends through the Mailgun messages API.
type MailgunMailer struct {
	client *mg.Client
	domain string
	from   string
}

func NewMailgunMailer(cfg config.MailgunConfig) *MailgunMailer {
	client := mg.NewMailgun(cfg.APIKey)
	if strings.EqualFold(cfg.Region, "eu") {
		client.SetAPIBase(mg.APIBaseEU)
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = fmt.Sprintf("noreply@%s", cfg.Domain)
	}
	return &MailgunMailer{client: client, domain: cfg.Domain, from: from}
}

func (m *MailgunMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	msg := mg.NewMessage(m.domain, m.from, subject, body, to)
	resp, err := m.client.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return resp.ID, nil
}

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg}
}

func (s *SMTPMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return "", fmt.Errorf("set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return "", fmt.Errorf("set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)
	m.SetMessageID()

	client, err := mail.NewClient(s.cfg.Host, s.options()...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return m.GetMessageID(), nil
}

func (s *SMTPMailer) options() []mail.Option {
	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	switch s.cfg.Security {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return opts
}
