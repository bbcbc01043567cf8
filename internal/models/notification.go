package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelPush
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// BatchDelay is how long a non-urgent push waits for siblings before it is sent.
func (p Priority) BatchDelay() time.Duration {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 2 * time.Minute
	default:
		return 10 * time.Minute
	}
}

type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "queued"
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// PayloadRef is everything a channel needs to render the message later.
type PayloadRef struct {
	UserID    string         `json:"user_id,omitempty"`
	BookingID string         `json:"booking_id,omitempty"`
	Template  string         `json:"template,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotificationIntent is created once per idempotency key and never updated.
type NotificationIntent struct {
	bun.BaseModel `bun:"table:notification_intents"`

	ID              string     `bun:"id,pk" json:"id"`
	UserID          string     `bun:"user_id,nullzero" json:"user_id,omitempty"`
	IdempotencyKey  string     `bun:"idempotency_key,notnull,unique" json:"idempotency_key"`
	IntentType      string     `bun:"intent_type,notnull" json:"intent_type"`
	Priority        Priority   `bun:"priority,notnull" json:"priority"`
	AllowedChannels []Channel  `bun:"allowed_channels,type:jsonb" json:"allowed_channels"`
	PayloadRef      PayloadRef `bun:"payload_ref,type:jsonb" json:"payload_ref"`
	CreatedAt       time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// NotificationDelivery is unique per (intent, channel). LeasedUntil is set
// while one worker owns the send.
type NotificationDelivery struct {
	bun.BaseModel `bun:"table:notification_deliveries"`

	ID            string         `bun:"id,pk" json:"id"`
	IntentID      string         `bun:"intent_id,notnull,unique:intent_channel" json:"intent_id"`
	Channel       Channel        `bun:"channel,notnull,unique:intent_channel" json:"channel"`
	Status        DeliveryStatus `bun:"status,notnull" json:"status"`
	AttemptCount  int            `bun:"attempt_count,notnull" json:"attempt_count"`
	ErrorMessage  string         `bun:"error_message,nullzero" json:"error_message,omitempty"`
	LastAttemptAt time.Time      `bun:"last_attempt_at,nullzero" json:"last_attempt_at,omitempty"`
	LeasedUntil   time.Time      `bun:"leased_until,nullzero" json:"leased_until,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

func (d NotificationDelivery) Terminal() bool {
	return d.Status == DeliverySent || d.Status == DeliveryFailed
}

type NotificationPreference struct {
	bun.BaseModel `bun:"table:notification_preferences"`

	UserID       string    `bun:"user_id,pk" json:"user_id"`
	EmailEnabled bool      `bun:"email_enabled,notnull" json:"email_enabled"`
	SMSEnabled   bool      `bun:"sms_enabled,notnull" json:"sms_enabled"`
	PushEnabled  bool      `bun:"push_enabled,notnull" json:"push_enabled"`
	Email        string    `bun:"email,nullzero" json:"email,omitempty"`
	PhoneNumber  string    `bun:"phone_number,nullzero" json:"phone_number,omitempty"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// DefaultPreference applies when a user never saved preferences.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:       userID,
		EmailEnabled: true,
	}
}

// PushMessage is the rendered push payload handed to the push gateway.
type PushMessage struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag,omitempty"`
	Type  string         `json:"type"`
	Data  map[string]any `json:"data,omitempty"`
}

// QueuedPush is one non-urgent push waiting in a batch window.
type QueuedPush struct {
	UserID     string        `json:"user_id"`
	IntentID   string        `json:"intent_id"`
	DeliveryID string        `json:"delivery_id"`
	Priority   Priority      `json:"priority"`
	Delay      time.Duration `json:"delay"`
	Message    PushMessage   `json:"message"`
}
