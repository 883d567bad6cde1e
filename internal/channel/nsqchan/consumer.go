package nsqchan

import (
	"time"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/config"
)

// DLQReaderChannel is the NSQ channel the reprocessor reads dead letters on.
const DLQReaderChannel = "reprocessor"

// Topic is the NSQ topic carrying one consumer's copies.
func Topic(prefix, consumer string) string {
	return prefix + "." + consumer
}

// ForConsumer builds the live channel of a consumer registration and the
// channel reading its dead letters. Both are named after the consumer so they
// line up with channel.DLQName in a registry.
func ForConsumer(cfg config.NSQ, cons config.Consumer, pub Publisher) (live, dlq *Channel) {
	topic := Topic(cfg.TopicPrefix, cons.Name)
	live = New(cons.Name, pub, Options{
		Topic:             topic,
		DLQTopic:          channel.DLQName(topic),
		MaxReceiveCount:   cons.MaxReceiveCount,
		VisibilityTimeout: cons.VisibilityTimeout,
		MaxInFlight:       cons.BatchSize * cons.Concurrency,
		RawDelivery:       cfg.RawDelivery,
		NsqdHTTPAddr:      cfg.NsqdHTTPAddr,
	})
	dlq = New(channel.DLQName(cons.Name), pub, Options{
		Topic:             channel.DLQName(topic),
		ChannelName:       DLQReaderChannel,
		VisibilityTimeout: time.Minute,
		MaxInFlight:       10,
		RawDelivery:       cfg.RawDelivery,
		NsqdHTTPAddr:      cfg.NsqdHTTPAddr,
	})
	return live, dlq
}
