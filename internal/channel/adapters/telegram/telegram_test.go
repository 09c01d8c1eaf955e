package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/config"
)

type botAPI struct {
	mu    sync.Mutex
	calls []string
	forms []map[string]string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	b.mu.Lock()
	b.calls = append(b.calls, method)
	b.forms = append(b.forms, form)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Desk","username":"deskbot"}}`))
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":9,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
	case "setWebhook":
		_, _ = w.Write([]byte(`{"ok":true,"result":true,"description":"Webhook was set"}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func newTestAdapter(t *testing.T, cfg config.TelegramConfig) (*TelegramAdapter, *botAPI) {
	t.Helper()
	api := &botAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewTelegramAdapter(nil, cfg, WithAPIEndpoint(srv.URL+"/bot%s/%s")), api
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()

	a := NewTelegramAdapter(nil, config.TelegramConfig{WebhookSecret: "s3cret"})
	ok := httptest.NewRequest(http.MethodPost, "/channels/telegram/webhook?secret=s3cret", nil)
	if err := a.VerifyRequest(ok, nil); err != nil {
		t.Fatalf("expected query secret to pass, got %v", err)
	}
	header := httptest.NewRequest(http.MethodPost, "/channels/telegram/webhook", nil)
	header.Header.Set(secretHeader, "s3cret")
	if err := a.VerifyRequest(header, nil); err != nil {
		t.Fatalf("expected header secret to pass, got %v", err)
	}
	bad := httptest.NewRequest(http.MethodPost, "/channels/telegram/webhook?secret=nope", nil)
	if err := a.VerifyRequest(bad, nil); !errors.Is(err, channel.ErrVerification) {
		t.Fatalf("expected verification error, got %v", err)
	}

	open := NewTelegramAdapter(nil, config.TelegramConfig{})
	if err := open.VerifyRequest(bad, nil); err != nil {
		t.Fatalf("unset secret must accept, got %v", err)
	}
}

func TestParseInbound(t *testing.T) {
	t.Parallel()

	a := NewTelegramAdapter(nil, config.TelegramConfig{})
	body := `{"update_id":100,"message":{"message_id":7,"date":1700000000,"from":{"id":42,"is_bot":false,"first_name":"Amina","username":"amina_k"},"chat":{"id":42,"type":"private"},"text":"  habari  "}}`
	msgs, err := a.ParseInbound(context.Background(), nil, []byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ExternalID != "telegram:42:7" || m.ReplyTarget != "42" || m.Text != "habari" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Sender.Name != "amina_k" || m.Sender.Handle != "telegram:42" {
		t.Fatalf("unexpected identity %+v", m.Sender)
	}
	if m.ReceivedAt.Unix() != 1700000000 {
		t.Fatalf("unexpected time %v", m.ReceivedAt)
	}

	noUsername := `{"update_id":101,"message":{"message_id":8,"date":1700000000,"from":{"id":43,"first_name":"Baraka","last_name":"O"},"chat":{"id":43,"type":"private"},"text":"hi"}}`
	msgs, _ = a.ParseInbound(context.Background(), nil, []byte(noUsername))
	if len(msgs) != 1 || msgs[0].Sender.Name != "Baraka O" {
		t.Fatalf("expected full name fallback, got %+v", msgs)
	}

	for _, skipped := range []string{
		`{"update_id":102,"edited_message":{"message_id":7,"chat":{"id":42},"text":"edit"}}`,
		`{"update_id":103,"message":{"message_id":9,"chat":{"id":42},"sticker":{"file_id":"x"}}}`,
	} {
		msgs, err := a.ParseInbound(context.Background(), nil, []byte(skipped))
		if err != nil || len(msgs) != 0 {
			t.Fatalf("expected %s to be skipped, got %v %v", skipped, msgs, err)
		}
	}
	if _, err := a.ParseInbound(context.Background(), nil, []byte("nope")); err == nil {
		t.Fatalf("expected malformed update to fail")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	a, api := newTestAdapter(t, config.TelegramConfig{BotToken: "123:abc"})
	if err := a.Send(context.Background(), channel.OutboundMessage{Target: "42", Text: "Karibu!"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(context.Background(), channel.OutboundMessage{Target: "not-a-chat", Text: "x"}); err == nil {
		t.Fatalf("expected invalid target to fail")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 2 || api.calls[0] != "getMe" || api.calls[1] != "sendMessage" {
		t.Fatalf("unexpected calls %v", api.calls)
	}
	if api.forms[1]["chat_id"] != "42" || api.forms[1]["text"] != "Karibu!" {
		t.Fatalf("unexpected sendMessage form %v", api.forms[1])
	}
}

func TestSendWithoutToken(t *testing.T) {
	t.Parallel()

	a := NewTelegramAdapter(nil, config.TelegramConfig{})
	if err := a.Send(context.Background(), channel.OutboundMessage{Target: "42", Text: "hi"}); err == nil {
		t.Fatalf("expected missing token to fail")
	}
}

func TestRegisterWebhook(t *testing.T) {
	t.Parallel()

	a, api := newTestAdapter(t, config.TelegramConfig{BotToken: "123:abc", WebhookSecret: "s3cret", RegisterWebhook: true})
	if err := a.RegisterWebhook(context.Background(), "https://desk.example.com/"); err != nil {
		t.Fatalf("register: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	last := api.forms[len(api.forms)-1]
	if api.calls[len(api.calls)-1] != "setWebhook" || last["url"] != "https://desk.example.com/channels/telegram/webhook?secret=s3cret" {
		t.Fatalf("unexpected setWebhook call %v %v", api.calls, last)
	}

	disabled, disabledAPI := newTestAdapter(t, config.TelegramConfig{BotToken: "123:abc"})
	if err := disabled.RegisterWebhook(context.Background(), "https://desk.example.com"); err != nil {
		t.Fatalf("disabled register: %v", err)
	}
	if len(disabledAPI.calls) != 0 {
		t.Fatalf("disabled registration must not call the api, got %v", disabledAPI.calls)
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", telegramMaxMessageLength)
	got := truncateTelegramText(long)
	if len(got) > telegramMaxMessageLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation length %d", len(got))
	}
	if sanitizeTelegramText("ok\xff") != "ok" {
		t.Fatalf("expected invalid bytes stripped")
	}
}
