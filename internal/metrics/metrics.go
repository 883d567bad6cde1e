package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpipe_events_published_total",
			Help: "Total number of envelopes published by event type and outcome.",
		},
		[]string{"event_type", "outcome"}, // published, duplicate, partial, invalid, failed
	)

	FanOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpipe_fanout_total",
			Help: "Total number of per-target fan-out sends by status.",
		},
		[]string{"target", "status"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpipe_messages_total",
			Help: "Total number of processed messages by consumer and outcome.",
		},
		[]string{"consumer", "outcome"}, // acknowledged, duplicate, failed
	)

	HandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborpipe_handler_latency_seconds",
			Help:    "Business handler latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"consumer"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpipe_idempotency_claims_total",
			Help: "Total number of idempotency claim attempts by result.",
		},
		[]string{"consumer", "result"}, // claimed, taken_over, duplicate, error
	)

	IdempotencyPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborpipe_idempotency_pruned_total",
			Help: "Total number of idempotency records removed by pruning.",
		},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborpipe_channel_depth",
			Help: "Messages held by a channel, visible or in flight.",
		},
		[]string{"channel"},
	)

	ReplayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpipe_replay_total",
			Help: "Total number of DLQ messages handled by the reprocessor.",
		},
		[]string{"dlq", "status"}, // replayed, failed
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		FanOutTotal,
		MessagesTotal,
		HandlerLatency,
		ClaimsTotal,
		IdempotencyPrunedTotal,
		ChannelDepth,
		ReplayTotal,
	)
}

func RecordEventPublished(eventType, outcome string) {
	EventsPublishedTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordFanOut(target, status string) {
	FanOutTotal.WithLabelValues(target, status).Inc()
}

func RecordMessage(consumer, outcome string) {
	MessagesTotal.WithLabelValues(consumer, outcome).Inc()
}

func ObserveHandler(consumer string, d time.Duration) {
	HandlerLatency.WithLabelValues(consumer).Observe(d.Seconds())
}

func RecordClaim(consumer, result string) {
	ClaimsTotal.WithLabelValues(consumer, result).Inc()
}

func RecordPruned(n int64) {
	IdempotencyPrunedTotal.Add(float64(n))
}

func UpdateChannelDepth(channel string, depth float64) {
	ChannelDepth.WithLabelValues(channel).Set(depth)
}

func RecordReplay(dlq, status string, n int) {
	ReplayTotal.WithLabelValues(dlq, status).Add(float64(n))
}
