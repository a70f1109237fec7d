package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/tripsplit/internal/trip/domain"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes trip events to a Kafka topic keyed by trip id, so
// events for one trip stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish satisfies domain.EventPublisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.TripEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.TripID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(event.Type)},
			{Key: "x-trace-id", Value: []byte(traceIDFromContext(ctx))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
