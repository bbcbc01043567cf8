package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	log    *logger.Logger
}

// NewProducer writes to any topic; each message names its own. Messages with
// the same key land on the same partition.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{Writer: writer, log: log}
}

func NewProducerWithWriter(w MessageWriter, log *logger.Logger) *Producer {
	return &Producer{Writer: w, log: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.LogKafka("PUBLISH", topic, key)
	return nil
}

func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any) error {
	msgBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, key, msgBytes)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// LifecyclePublisher streams reservation lifecycle events keyed by reservation
// id, so events of one reservation stay ordered.
type LifecyclePublisher struct {
	producer *Producer
	topic    string
}

func NewLifecyclePublisher(producer *Producer, topic string) *LifecyclePublisher {
	return &LifecyclePublisher{producer: producer, topic: topic}
}

func (p *LifecyclePublisher) PublishLifecycle(ctx context.Context, event models.ReservationLifecycleEvent) error {
	return p.producer.PublishJSON(ctx, p.topic, event.ReservationID, event)
}
