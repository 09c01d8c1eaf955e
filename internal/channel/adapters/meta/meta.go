// Package meta implements the WhatsApp Cloud, Messenger and Instagram
// webhooks, which share Meta's signing scheme and Graph send API.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/config"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com"
	signatureHeader     = "X-Hub-Signature-256"
	signaturePrefix     = "sha256="

	whatsappMaxText  = 4096
	messengerMaxText = 2000
)

// Adapter serves one of the Meta channel types.
type Adapter struct {
	channelType channel.ChannelType
	cfg         config.MetaConfig
	baseURL     string
	client      *http.Client
	logger      *slog.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithBaseURL points Graph API calls at another host.
func WithBaseURL(base string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the Graph API HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func newAdapter(log *slog.Logger, ct channel.ChannelType, cfg config.MetaConfig, opts []Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.GraphAPIVersion) == "" {
		cfg.GraphAPIVersion = config.DefaultGraphVersion
	}
	a := &Adapter{
		channelType: ct,
		cfg:         cfg,
		baseURL:     defaultGraphBaseURL,
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      log.With(slog.String("adapter", ct.String())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewWhatsApp creates the WhatsApp Cloud API adapter.
func NewWhatsApp(log *slog.Logger, cfg config.MetaConfig, opts ...Option) *Adapter {
	return newAdapter(log, channel.TypeWhatsApp, cfg, opts)
}

// NewFacebook creates the Messenger adapter.
func NewFacebook(log *slog.Logger, cfg config.MetaConfig, opts ...Option) *Adapter {
	return newAdapter(log, channel.TypeFacebook, cfg, opts)
}

// NewInstagram creates the Instagram messaging adapter.
func NewInstagram(log *slog.Logger, cfg config.MetaConfig, opts ...Option) *Adapter {
	return newAdapter(log, channel.TypeInstagram, cfg, opts)
}

func (a *Adapter) Type() channel.ChannelType {
	return a.channelType
}

func (a *Adapter) Descriptor() channel.Descriptor {
	switch a.channelType {
	case channel.TypeWhatsApp:
		return channel.Descriptor{Type: a.channelType, DisplayName: "WhatsApp", Target: channel.TargetPhone, MaxTextLength: whatsappMaxText}
	case channel.TypeInstagram:
		return channel.Descriptor{Type: a.channelType, DisplayName: "Instagram", Target: channel.TargetHandle, MaxTextLength: messengerMaxText}
	default:
		return channel.Descriptor{Type: a.channelType, DisplayName: "Facebook Messenger", Target: channel.TargetHandle, MaxTextLength: messengerMaxText}
	}
}

// RespondChallenge answers the hub.mode=subscribe handshake.
func (a *Adapter) RespondChallenge(query url.Values) (string, error) {
	token := strings.TrimSpace(a.cfg.VerifyToken)
	if query.Get("hub.mode") != "subscribe" || token == "" ||
		!hmac.Equal([]byte(query.Get("hub.verify_token")), []byte(token)) {
		a.logger.Warn("webhook subscription rejected")
		return "", channel.ErrVerification
	}
	return query.Get("hub.challenge"), nil
}

// VerifyRequest checks X-Hub-Signature-256 against the app secret.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) error {
	if !ValidSignature(a.cfg.AppSecret, body, r.Header.Get(signatureHeader)) {
		return channel.ErrVerification
	}
	return nil
}

// ValidSignature reports whether header is the sha256 HMAC of body.
func ValidSignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(got)))
}

// Sign returns the header value Meta would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ParseInbound extracts text messages. Statuses, echoes and media are skipped.
func (a *Adapter) ParseInbound(_ context.Context, _ *http.Request, body []byte) ([]channel.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode %s webhook: %w", a.channelType, err)
	}
	if a.channelType == channel.TypeWhatsApp {
		return a.parseWhatsApp(payload), nil
	}
	return a.parseMessaging(payload), nil
}

func (a *Adapter) parseWhatsApp(payload webhookPayload) []channel.InboundMessage {
	var out []channel.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || strings.TrimSpace(m.Text.Body) == "" {
					a.logger.Debug("skipping non-text message", slog.String("type", m.Type), slog.String("id", m.ID))
					continue
				}
				phone := normalizePhone(m.From)
				out = append(out, channel.InboundMessage{
					Channel:     channel.TypeWhatsApp,
					ExternalID:  m.ID,
					Sender:      channel.Identity{Name: names[m.From], Phone: phone},
					Text:        m.Text.Body,
					ReplyTarget: m.From,
					ReceivedAt:  unixTime(m.Timestamp),
				})
			}
		}
	}
	return out
}

func (a *Adapter) parseMessaging(payload webhookPayload) []channel.InboundMessage {
	var out []channel.InboundMessage
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho || strings.TrimSpace(ev.Message.Text) == "" {
				continue
			}
			psid := strings.TrimSpace(ev.Sender.ID)
			if psid == "" {
				continue
			}
			received := time.UnixMilli(ev.Timestamp).UTC()
			if ev.Timestamp == 0 {
				received = time.Now().UTC()
			}
			out = append(out, channel.InboundMessage{
				Channel:     a.channelType,
				ExternalID:  ev.Message.MID,
				Sender:      channel.Identity{Name: psid, Handle: channel.HandleFor(a.channelType, psid)},
				Text:        ev.Message.Text,
				ReplyTarget: psid,
				ReceivedAt:  received,
			})
		}
	}
	return out
}

// Send posts a text message through the Graph API.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	to := strings.TrimSpace(msg.Target)
	if to == "" {
		return fmt.Errorf("%s target is required", a.channelType)
	}
	if a.channelType == channel.TypeWhatsApp {
		if a.cfg.WhatsAppPhoneNumberID == "" || a.cfg.WhatsAppAccessToken == "" {
			return fmt.Errorf("whatsapp credentials are not configured")
		}
		endpoint := fmt.Sprintf("%s/%s/%s/messages", a.baseURL, a.cfg.GraphAPIVersion, url.PathEscape(a.cfg.WhatsAppPhoneNumberID))
		return a.post(ctx, endpoint, a.cfg.WhatsAppAccessToken, whatsappSend{
			MessagingProduct: "whatsapp",
			To:               strings.TrimPrefix(to, "+"),
			Type:             "text",
			Text:             whatsappText{Body: msg.Text},
		})
	}
	token := a.cfg.PageAccessToken
	if a.channelType == channel.TypeInstagram && a.cfg.InstagramPageAccessToken != "" {
		token = a.cfg.InstagramPageAccessToken
	}
	if token == "" {
		return fmt.Errorf("%s page access token is not configured", a.channelType)
	}
	endpoint := fmt.Sprintf("%s/%s/me/messages", a.baseURL, a.cfg.GraphAPIVersion)
	return a.post(ctx, endpoint, token, messengerSend{
		Recipient:     messengerRecipient{ID: to},
		MessagingType: "RESPONSE",
		Message:       messengerText{Text: msg.Text},
	})
}

func (a *Adapter) post(ctx context.Context, endpoint, token string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr graphError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("graph status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("graph status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// normalizePhone renders WhatsApp wa_id values in E.164 form.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "+") {
		return raw
	}
	return "+" + raw
}

func unixTime(raw string) time.Time {
	var secs int64
	if _, err := fmt.Sscan(raw, &secs); err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
