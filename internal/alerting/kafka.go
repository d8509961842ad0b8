package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type (
	// messageWriter is the subset of *kafka.Writer used by KafkaNotifier.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaNotifier publishes notifications as JSON messages keyed by tenant and
	// external id, so all alerts of one record land on the same partition.
	KafkaNotifier struct {
		writer messageWriter
		topic  string
	}
)

// NewKafkaNotifier creates a notifier publishing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, ErrKafkaBrokersEmpty
	}

	if topic == "" {
		return nil, ErrKafkaTopicEmpty
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}

	return &KafkaNotifier{writer: writer, topic: topic}, nil
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) Delivery {
	value, err := json.Marshal(n)
	if err != nil {
		return Failed(fmt.Errorf("marshal notification: %w", err))
	}

	msg := kafka.Message{
		Key:   []byte(n.Tenant + "/" + n.ExternalID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant", Value: []byte(n.Tenant)},
			{Key: "query", Value: []byte(n.Query)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return Failed(fmt.Errorf("write to topic %s: %w", k.topic, err))
	}

	return Delivered()
}

// Name implements Notifier.
func (k *KafkaNotifier) Name() string {
	return "kafka"
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
