package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/austindbirch/harborpipe/internal/delivery"
)

// MessageWriter is the subset of *kafka.Writer the target uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTarget copies every envelope onto a Kafka topic for analytics. It is a
// fan-out target like any channel but nothing in the pipeline consumes it.
type KafkaTarget struct {
	name string
	w    MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteTimeout:           10 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaTarget(name string, w MessageWriter) *KafkaTarget {
	return &KafkaTarget{name: name, w: w}
}

func (k *KafkaTarget) Name() string { return k.name }

// Send keys the record by tenant so one tenant's events stay in one partition.
func (k *KafkaTarget) Send(ctx context.Context, msg delivery.Message) error {
	headers := make([]kafka.Header, 0, len(msg.Attributes)+1)
	headers = append(headers, kafka.Header{Key: "messageId", Value: []byte(msg.ID)})
	for key, v := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	err := k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Attributes["tenantId"]),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaTarget) Close() error {
	return k.w.Close()
}
