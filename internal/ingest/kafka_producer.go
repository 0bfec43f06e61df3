// Package ingest streams driver telemetry and booking transitions to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type KafkaProducer struct {
	writer          *kafka.Writer
	locationTopic   string
	transitionTopic string
}

// NewKafkaProducer writes asynchronously; delivery errors are logged from the
// completion callback so callers on the dispatch path never wait on brokers.
// Messages are keyed by driver or booking id, which keeps per-key order.
func NewKafkaProducer(brokers []string, locationTopic, transitionTopic string, logger *slog.Logger) *KafkaProducer {
	logger = logger.With("component", "kafka_producer")
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka write failed", "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, transitionTopic: transitionTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	return k.publish(ctx, k.locationTopic, ev.DriverID, ev)
}

func (k *KafkaProducer) PublishTransition(ctx context.Context, t models.Transition) error {
	return k.publish(ctx, k.transitionTopic, t.BookingID, t)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	if topic == "" {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
