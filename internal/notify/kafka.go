package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter publishes run events to a Kafka topic, keyed by connector id so the events of
// one connector stay ordered within a partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	now    func() time.Time
}

// NewKafkaEmitter returns an emitter writing to topic on brokers.
func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           defaultDeliveryTimeout,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

// Emit writes event as one JSON message.
func (k *KafkaEmitter) Emit(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode run event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ConnectorID()),
		Value: value,
		Time:  k.now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	return nil
}

// Close flushes pending messages and closes broker connections.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}
