package telegram

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/config"
)

const (
	telegramMaxMessageLength = 4096
	secretQueryParam         = "secret"
	secretHeader             = "X-Telegram-Bot-Api-Secret-Token"
)

// TelegramAdapter receives bot updates by webhook and replies through the Bot API.
type TelegramAdapter struct {
	cfg      config.TelegramConfig
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// tgbotapi keeps its logger in a package global.
var setLoggerOnce sync.Once

// Option customizes a TelegramAdapter.
type Option func(*TelegramAdapter)

// WithAPIEndpoint overrides the Bot API endpoint format, e.g. "http://host/bot%s/%s".
func WithAPIEndpoint(endpoint string) Option {
	return func(a *TelegramAdapter) { a.endpoint = endpoint }
}

// WithHTTPClient replaces the Bot API HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *TelegramAdapter) { a.client = c }
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger, cfg config.TelegramConfig, opts ...Option) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		cfg:      cfg,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.With(slog.String("adapter", "telegram")),
	}
	for _, opt := range opts {
		opt(adapter)
	}
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// getBot lazily creates the Bot API client. NewBotAPI calls getMe, so a bad
// token fails here rather than at startup.
func (a *TelegramAdapter) getBot() (*tgbotapi.BotAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram bot token is not configured")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint, a.client)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bot = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return channel.TypeTelegram
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:          channel.TypeTelegram,
		DisplayName:   "Telegram",
		Target:        channel.TargetHandle,
		MaxTextLength: telegramMaxMessageLength,
	}
}

// VerifyRequest compares the webhook secret from the query string or the
// secret token header. An unset secret accepts every request.
func (a *TelegramAdapter) VerifyRequest(r *http.Request, _ []byte) error {
	secret := strings.TrimSpace(a.cfg.WebhookSecret)
	if secret == "" {
		return nil
	}
	got := r.Header.Get(secretHeader)
	if got == "" {
		got = r.URL.Query().Get(secretQueryParam)
	}
	if !hmac.Equal([]byte(got), []byte(secret)) {
		return channel.ErrVerification
	}
	return nil
}

// ParseInbound decodes a single Update. Non-message and non-text updates yield nothing.
func (a *TelegramAdapter) ParseInbound(_ context.Context, _ *http.Request, body []byte) ([]channel.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		a.logger.Debug("skipping update without message", slog.Int("update_id", update.UpdateID))
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return nil, nil
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	received := time.Unix(int64(msg.Date), 0).UTC()
	if msg.Date == 0 {
		received = time.Now().UTC()
	}
	return []channel.InboundMessage{{
		Channel: channel.TypeTelegram,
		// message_id is only unique within a chat.
		ExternalID: fmt.Sprintf("telegram:%s:%d", chatID, msg.MessageID),
		Sender: channel.Identity{
			Name:   senderName(msg, chatID),
			Handle: channel.HandleFor(channel.TypeTelegram, chatID),
		},
		Text:        text,
		ReplyTarget: chatID,
		ReceivedAt:  received,
	}}, nil
}

func senderName(msg *tgbotapi.Message, chatID string) string {
	if msg.From != nil {
		if username := strings.TrimSpace(msg.From.UserName); username != "" {
			return username
		}
		if full := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName); full != "" {
			return full
		}
	}
	if msg.Chat != nil {
		if title := strings.TrimSpace(msg.Chat.Title); title != "" {
			return title
		}
	}
	return chatID
}

// Send delivers a text message to a chat id or @channel username.
func (a *TelegramAdapter) Send(_ context.Context, msg channel.OutboundMessage) error {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return errors.New("telegram target is required")
	}
	bot, err := a.getBot()
	if err != nil {
		return err
	}
	return sendTelegramText(bot, target, msg.Text)
}

// RegisterWebhook points the bot at publicURL with the shared secret appended.
func (a *TelegramAdapter) RegisterWebhook(_ context.Context, publicURL string) error {
	if !a.cfg.RegisterWebhook {
		return nil
	}
	bot, err := a.getBot()
	if err != nil {
		return err
	}
	link := strings.TrimRight(publicURL, "/") + channel.WebhookPath(channel.TypeTelegram)
	if secret := strings.TrimSpace(a.cfg.WebhookSecret); secret != "" {
		link += "?" + url.Values{secretQueryParam: {secret}}.Encode()
	}
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("build telegram webhook: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}
	a.logger.Info("webhook registered", slog.String("bot", bot.Self.UserName))
	return nil
}

func sendTelegramText(bot *tgbotapi.BotAPI, target string, text string) error {
	text = truncateTelegramText(sanitizeTelegramText(text))
	if strings.HasPrefix(target, "@") {
		_, err := bot.Send(tgbotapi.NewMessageToChannel(target, text))
		return err
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target must be @username or chat_id")
	}
	_, err = bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// sanitizeTelegramText strips invalid UTF-8, which the Bot API rejects.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a rune
// boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
