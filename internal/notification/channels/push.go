package channels

import (
	"context"
	"fmt"

	"ms-booking/internal/models"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type pushEnvelope struct {
	UserID  string             `json:"user_id"`
	Message models.PushMessage `json:"message"`
}

// PushGateway hands pushes to the device gateway through a Kafka topic keyed
// by user, so one user's pushes stay ordered.
type PushGateway struct {
	publisher Publisher
	topic     string
}

func NewPushGateway(publisher Publisher, topic string) *PushGateway {
	return &PushGateway{publisher: publisher, topic: topic}
}

func (p *PushGateway) SendPush(ctx context.Context, userID string, msg models.PushMessage) error {
	if err := p.publisher.PublishJSON(ctx, p.topic, userID, pushEnvelope{UserID: userID, Message: msg}); err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	return nil
}

// Send renders an immediate push for userID.
func (p *PushGateway) Send(ctx context.Context, userID, template string, data map[string]any) error {
	return p.SendPush(ctx, userID, PushMessage(template, data))
}
