// Package sms receives and sends text messages through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/config"
)

const (
	signatureHeader = "X-Twilio-Signature"
	// Twilio concatenates longer bodies into multi-part SMS up to this size.
	maxBodyLength = 1600
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Adapter is the Twilio SMS channel.
type Adapter struct {
	cfg       config.TwilioConfig
	publicURL string
	messages  messageCreator
	validator twilioclient.RequestValidator
	logger    *slog.Logger
}

// New creates the adapter. publicURL is the base URL Twilio posts to and is
// part of the signed payload.
func New(log *slog.Logger, cfg config.TwilioConfig, publicURL string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Adapter{
		cfg:       cfg,
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		messages:  client.Api,
		validator: twilioclient.NewRequestValidator(cfg.AuthToken),
		logger:    log.With(slog.String("adapter", "sms")),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeSMS
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          channel.TypeSMS,
		DisplayName:   "SMS",
		Target:        channel.TargetPhone,
		MaxTextLength: maxBodyLength,
	}
}

// VerifyRequest validates X-Twilio-Signature over the request URL and form.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) error {
	if a.cfg.SkipSignature {
		return nil
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return channel.ErrVerification
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return channel.ErrVerification
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	if !a.validator.Validate(a.requestURL(r), params, sig) {
		a.logger.Warn("twilio signature mismatch", slog.String("url", a.requestURL(r)))
		return channel.ErrVerification
	}
	return nil
}

func (a *Adapter) requestURL(r *http.Request) string {
	if a.publicURL != "" {
		return a.publicURL + r.URL.RequestURI()
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ParseInbound reads the From, Body and MessageSid form fields.
func (a *Adapter) ParseInbound(_ context.Context, _ *http.Request, body []byte) ([]channel.InboundMessage, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode sms webhook: %w", err)
	}
	from := strings.TrimSpace(form.Get("From"))
	text := strings.TrimSpace(form.Get("Body"))
	if from == "" || text == "" {
		return nil, nil
	}
	return []channel.InboundMessage{{
		Channel:     channel.TypeSMS,
		ExternalID:  strings.TrimSpace(form.Get("MessageSid")),
		Sender:      channel.Identity{Name: from, Phone: from},
		Text:        text,
		ReplyTarget: from,
		ReceivedAt:  time.Now().UTC(),
	}}, nil
}

// Send creates an outbound message from the configured number.
func (a *Adapter) Send(_ context.Context, msg channel.OutboundMessage) error {
	from := strings.TrimSpace(a.cfg.FromNumber)
	if from == "" || a.cfg.AccountSID == "" {
		return errors.New("twilio sender is not configured")
	}
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return errors.New("sms target is required")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(msg.Text)

	resp, err := a.messages.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	if resp != nil && resp.Sid != nil {
		a.logger.Debug("sms sent", slog.String("sid", *resp.Sid))
	}
	return nil
}
