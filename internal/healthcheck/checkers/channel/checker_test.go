package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/healthcheck"
)

type fakeAdapters struct {
	descriptors []channel.Descriptor
	senders     map[channel.ChannelType]bool
	receivers   map[channel.ChannelType]bool
}

func (f *fakeAdapters) ListDescriptors() []channel.Descriptor { return f.descriptors }

func (f *fakeAdapters) GetSender(ct channel.ChannelType) (channel.Sender, bool) {
	return nil, f.senders[ct]
}

func (f *fakeAdapters) GetWebhookReceiver(ct channel.ChannelType) (channel.WebhookReceiver, bool) {
	return nil, f.receivers[ct]
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeAdapters{
		descriptors: []channel.Descriptor{
			{Type: channel.TypeTelegram, DisplayName: "Telegram"},
			{Type: channel.TypeEmail, DisplayName: "Email"},
		},
		senders:   map[channel.ChannelType]bool{channel.TypeTelegram: true},
		receivers: map[channel.ChannelType]bool{channel.TypeTelegram: true},
	})

	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(items))
	}
	if items[0].ID != "channel.adapter.email" || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("unexpected email check %+v", items[0])
	}
	if items[1].ID != "channel.adapter.telegram" || items[1].Status != healthcheck.StatusOK {
		t.Fatalf("unexpected telegram check %+v", items[1])
	}
	if items[1].Metadata["outbound"] != true {
		t.Fatalf("expected outbound metadata, got %v", items[1].Metadata)
	}
}

func TestCheckerWithoutRegistry(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, nil).ListChecks(context.Background())
	if len(items) != 1 || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected one warning, got %+v", items)
	}
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := NewChecker(nil, &fakeAdapters{descriptors: []channel.Descriptor{{Type: channel.TypeSMS}}}).ListChecks(ctx)
	if len(items) != 0 {
		t.Fatalf("expected no checks after cancel, got %d", len(items))
	}
}
