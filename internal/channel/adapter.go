package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrVerification is returned when a webhook request fails provider
	// authentication.
	ErrVerification = errors.New("webhook verification failed")
	// ErrNoSender is returned when no adapter can deliver to a channel.
	ErrNoSender = errors.New("channel has no outbound sender")
	// ErrNoTarget is returned when a reply has no resolvable recipient.
	ErrNoTarget = errors.New("no delivery target")
)

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type        ChannelType
	DisplayName string
	// Target is the client attribute replies are addressed to.
	Target TargetKind
	// MaxTextLength caps outbound text; zero means no limit.
	MaxTextLength int
}

// WebhookReceiver authenticates and decodes provider webhooks. body is the
// raw request body, already read and size limited.
type WebhookReceiver interface {
	VerifyRequest(r *http.Request, body []byte) error
	ParseInbound(ctx context.Context, r *http.Request, body []byte) ([]InboundMessage, error)
}

// ChallengeResponder answers GET subscription handshakes. It returns the
// response body or ErrVerification.
type ChallengeResponder interface {
	RespondChallenge(query url.Values) (string, error)
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// WebhookRegistrar registers the webhook URL with the provider at startup.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, publicURL string) error
}

// WebhookPath is the route every adapter receives on.
func WebhookPath(ct ChannelType) string {
	return "/channels/" + ct.String() + "/webhook"
}
