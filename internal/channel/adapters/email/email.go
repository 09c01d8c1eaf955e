// Package email receives mail through Mailgun inbound routes and replies
// through Mailgun or plain SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	netmail "net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v5"
	"github.com/mailgun/mailgun-go/v5/mtypes"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/config"
)

const (
	maxFormMemory = 10 << 20
	// Email has no practical limit; keep replies to a sane size.
	maxBodyLength = 64 << 10
)

// Mailer sends one plain text email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// Adapter is the email channel.
type Adapter struct {
	// verifier checks route signatures; nil accepts every request.
	verifier *mailgun.Client
	mailer   Mailer
	logger   *slog.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithMailer replaces the outbound mailer.
func WithMailer(m Mailer) Option {
	return func(a *Adapter) { a.mailer = m }
}

// New creates the adapter. Mailgun is used for outbound mail when configured,
// otherwise SMTP when a host is set. Without either the adapter is receive only.
func New(log *slog.Logger, mg config.MailgunConfig, smtp config.SMTPConfig, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		logger: log.With(slog.String("adapter", "email")),
	}
	if key := strings.TrimSpace(mg.WebhookSigningKey); key != "" {
		a.verifier = mailgun.NewMailgun(mg.APIKey)
		a.verifier.SetWebhookSigningKey(key)
	}
	switch {
	case mg.Domain != "" && mg.APIKey != "":
		a.mailer = NewMailgunMailer(mg)
	case smtp.Host != "":
		a.mailer = NewSMTPMailer(smtp)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeEmail
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          channel.TypeEmail,
		DisplayName:   "Email",
		Target:        channel.TargetEmail,
		MaxTextLength: maxBodyLength,
	}
}

// VerifyRequest checks the Mailgun timestamp/token/signature triple. An
// unset signing key accepts every request.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) error {
	if a.verifier == nil {
		return nil
	}
	form, err := parseForm(r, body)
	if err != nil {
		return channel.ErrVerification
	}
	ok, err := a.verifier.VerifyWebhookSignature(mtypes.Signature{
		TimeStamp: form.Get("timestamp"),
		Token:     form.Get("token"),
		Signature: form.Get("signature"),
	})
	if err != nil || !ok {
		return channel.ErrVerification
	}
	return nil
}

// ParseInbound reads a Mailgun route post. The quoted history is dropped
// when Mailgun supplies stripped-text.
func (a *Adapter) ParseInbound(_ context.Context, r *http.Request, body []byte) ([]channel.InboundMessage, error) {
	form, err := parseForm(r, body)
	if err != nil {
		return nil, fmt.Errorf("decode email webhook: %w", err)
	}
	sender := strings.TrimSpace(form.Get("sender"))
	name := ""
	if addr, err := netmail.ParseAddress(form.Get("from")); err == nil {
		name = addr.Name
		if sender == "" {
			sender = addr.Address
		}
	}
	text := strings.TrimSpace(form.Get("stripped-text"))
	if text == "" {
		text = strings.TrimSpace(form.Get("body-plain"))
	}
	if sender == "" || text == "" {
		a.logger.Debug("skipping email without sender or text")
		return nil, nil
	}
	sender = strings.ToLower(sender)
	if name == "" {
		name = sender
	}
	return []channel.InboundMessage{{
		Channel:     channel.TypeEmail,
		ExternalID:  strings.TrimSpace(form.Get("Message-Id")),
		Sender:      channel.Identity{Name: name, Email: sender},
		Text:        text,
		ReplyTarget: sender,
		ReceivedAt:  time.Now().UTC(),
	}}, nil
}

// Send mails the reply. Adapters without a mailer cannot send.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	if a.mailer == nil {
		return errors.New("no outbound mail provider configured")
	}
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return errors.New("email target is required")
	}
	id, err := a.mailer.Send(ctx, to, msg.Subject, msg.Text)
	if err != nil {
		return err
	}
	a.logger.Debug("email sent", slog.String("message_id", id))
	return nil
}

func parseForm(r *http.Request, body []byte) (url.Values, error) {
	contentType := ""
	if r != nil {
		contentType = r.Header.Get("Content-Type")
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "multipart/form-data" {
		return url.ParseQuery(string(body))
	}
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Form, req.PostForm, req.MultipartForm = nil, nil, nil
	if err := req.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, err
	}
	return req.Form, nil
}
