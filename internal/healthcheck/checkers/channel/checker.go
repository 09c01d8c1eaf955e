package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chatdesk/chatdesk/internal/channel"
	"github.com/chatdesk/chatdesk/internal/healthcheck"
)

const checkTypeChannelAdapter = "channel.adapter"

// AdapterLister exposes the registered channel adapters.
type AdapterLister interface {
	ListDescriptors() []channel.Descriptor
	GetSender(channelType channel.ChannelType) (channel.Sender, bool)
	GetWebhookReceiver(channelType channel.ChannelType) (channel.WebhookReceiver, bool)
}

// Checker reports which channels can receive and send.
type Checker struct {
	logger   *slog.Logger
	adapters AdapterLister
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, adapters AdapterLister) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		adapters: adapters,
	}
}

// ListChecks returns one item per registered channel.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.adapters == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannelAdapter + ".registry",
			Type:    checkTypeChannelAdapter,
			Status:  healthcheck.StatusWarn,
			Summary: "Channel registry is not available.",
		}}
	}

	descriptors := c.adapters.ListDescriptors()
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Type < descriptors[j].Type })

	checks := make([]healthcheck.CheckResult, 0, len(descriptors))
	for _, desc := range descriptors {
		_, sends := c.adapters.GetSender(desc.Type)
		_, receives := c.adapters.GetWebhookReceiver(desc.Type)
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelAdapter + "." + desc.Type.String(),
			Type:     checkTypeChannelAdapter,
			Subtitle: desc.DisplayName,
			Status:   healthcheck.StatusOK,
			Summary:  fmt.Sprintf("Channel %s is registered.", desc.Type),
			Metadata: map[string]any{
				"channel_type": desc.Type.String(),
				"inbound":      receives,
				"outbound":     sends,
			},
		}
		if !sends && !receives {
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Channel %s can neither receive nor send.", desc.Type)
		}
		checks = append(checks, item)
	}
	return checks
}
