package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/retry"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	reader MessageReader
	policy retry.Policy
	log    *logger.Logger
}

// HandlerRetryPolicy paces redelivery of a message whose handler keeps failing.
func HandlerRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		JitterPercent:   20,
	}
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader, HandlerRetryPolicy(), log)
}

func NewConsumerWithReader(r MessageReader, policy retry.Policy, log *logger.Logger) *Consumer {
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = HandlerRetryPolicy().MaxInterval
	}
	return &Consumer{reader: r, policy: policy, log: log}
}

// Start consumes until ctx is done. An offset is committed only after handler
// succeeds, so every message is handled at least once; handlers must tolerate
// redelivery. A failing message is retried with backoff and blocks its
// partition until it succeeds or ctx is done.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) {
	c.log.Info("KAFKA", "Kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("KAFKA", "Kafka consumer stopped")
				return
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, handler, msg); err != nil {
			c.log.Info("KAFKA", fmt.Sprintf("Kafka consumer stopped before %s/%d@%d was handled", msg.Topic, msg.Partition, msg.Offset))
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Failed to commit offset %d on %s: %v", msg.Offset, msg.Topic, err))
		}
	}
}

// handle returns nil once handler accepts msg, or ctx's error.
func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	for {
		attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			return handler(ctx, msg)
		}, func(attempt int, err error, wait time.Duration) {
			c.log.Warn("KAFKA", fmt.Sprintf("Handler attempt %d for %s/%d@%d failed, retrying in %s: %v", attempt, msg.Topic, msg.Partition, msg.Offset, wait, err))
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("KAFKA", fmt.Sprintf("Handler failed %d time(s) for %s/%d@%d, holding offset: %v", attempts, msg.Topic, msg.Partition, msg.Offset, err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.policy.MaxInterval):
		}
	}
}

// LifecycleHandler decodes reservation lifecycle events for fn. Messages that
// cannot be decoded are skipped.
func LifecycleHandler(log *logger.Logger, fn func(ctx context.Context, event models.ReservationLifecycleEvent) error) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var event models.ReservationLifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Skipping undecodable lifecycle message at offset %d: %v", msg.Offset, err))
			return nil
		}
		log.LogKafka("RECEIVE", msg.Topic, fmt.Sprintf("%s for %s", event.Type, event.ReservationID))
		return fn(ctx, event)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
