// Package metrics provides Prometheus metrics for the messaging core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts ingest outcomes per channel.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_messages_ingested_total",
			Help: "Total number of ingested messages by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	// AutoReplyJobs counts automation jobs by outcome.
	AutoReplyJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_auto_reply_jobs_total",
			Help: "Total number of auto-reply jobs by outcome",
		},
		[]string{"outcome"},
	)

	// LLMRequestDuration tracks chat completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdesk_llm_request_duration_seconds",
			Help:    "Duration of LLM chat completion requests",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"model", "outcome"},
	)

	// LLMCostUSD accumulates the estimated spend per model.
	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD",
		},
		[]string{"model"},
	)

	// LLMTokens accumulates token usage per model and kind.
	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_llm_tokens_total",
			Help: "LLM tokens consumed",
		},
		[]string{"model", "kind"},
	)

	// RealtimeConnections tracks open websocket sessions.
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatdesk_realtime_connections",
			Help: "Number of currently connected realtime sessions",
		},
	)

	// RealtimeDropped counts events dropped for slow consumers.
	RealtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdesk_realtime_dropped_events_total",
			Help: "Total number of realtime events dropped because a connection buffer was full",
		},
	)

	// OutboundSends counts provider deliveries.
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_outbound_sends_total",
			Help: "Total number of outbound provider deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// WebhookRequests counts inbound provider webhooks.
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_webhook_requests_total",
			Help: "Total number of provider webhook requests by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

// RecordIngest records one ingest outcome.
func RecordIngest(channel, status string) {
	MessagesIngested.WithLabelValues(channel, status).Inc()
}

// RecordAutoReply records the outcome of an automation job.
func RecordAutoReply(outcome string) {
	AutoReplyJobs.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records latency, tokens and cost of a completion.
func RecordLLMRequest(model string, elapsed time.Duration, err error, promptTokens, completionTokens int, costUSD float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMRequestDuration.WithLabelValues(model, outcome).Observe(elapsed.Seconds())
	if err != nil {
		return
	}
	LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if costUSD > 0 {
		LLMCostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// RecordOutbound records a provider delivery.
func RecordOutbound(channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OutboundSends.WithLabelValues(channel, outcome).Inc()
}

// RecordWebhook records an inbound webhook outcome.
func RecordWebhook(channel, outcome string) {
	WebhookRequests.WithLabelValues(channel, outcome).Inc()
}
