// Package notification turns booking intents into per-channel deliveries that
// go out at most once per (intent, channel).
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/idempotency"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/notification/channels"
	"ms-booking/internal/retry"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoChannels     = errors.New("user has no usable notification channel")
	ErrInvalidChannel = errors.New("channel must be email, sms or push")
	ErrNoAdapter      = errors.New("no adapter configured for channel")
)

type Store interface {
	FindOrCreateIntent(ctx context.Context, intent *models.NotificationIntent) (*models.NotificationIntent, error)
	GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error)
	FindOrCreateDelivery(ctx context.Context, intentID string, channel models.Channel) (*models.NotificationDelivery, error)
	UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus, attemptCount int, errorMessage string) error
	ClaimDelivery(ctx context.Context, id string, now, until time.Time) (bool, error)
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error)
}

// Sender is a channel adapter. Errors wrapped with retry.Permanent are not retried.
type Sender interface {
	Send(ctx context.Context, recipient, template string, data map[string]any) error
}

type PushQueue interface {
	Enqueue(ctx context.Context, item models.QueuedPush) error
}

type Dispatcher struct {
	store    Store
	senders  map[models.Channel]Sender
	queue    PushQueue
	policy   retry.Policy
	log      *logger.Logger
	inflight singleflight.Group
	now      func() time.Time
}

// sendLease bounds how long a crashed worker can block a delivery, on top of
// the time its retries may take.
const sendLease = 5 * time.Minute

// NewDispatcher builds a dispatcher. queue may be nil, in which case every
// push is sent immediately.
func NewDispatcher(store Store, senders map[models.Channel]Sender, queue PushQueue, policy retry.Policy, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		senders: senders,
		queue:   queue,
		policy:  policy,
		log:     log,
		now:     time.Now,
	}
}

type RecipientRequest struct {
	Channel        models.Channel  `json:"channel"`
	Recipient      string          `json:"recipient"`
	Template       string          `json:"template"`
	Data           map[string]any  `json:"data,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	IntentType     string          `json:"intent_type,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	BookingID      string          `json:"booking_id,omitempty"`
}

type UserRequest struct {
	UserID         string          `json:"user_id"`
	Template       string          `json:"template"`
	Data           map[string]any  `json:"data,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	IntentType     string          `json:"intent_type,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	BookingID      string          `json:"booking_id,omitempty"`
}

// DispatchResult reports one delivery. InFlight means another worker holds
// the delivery's lease and nothing was sent by this call.
type DispatchResult struct {
	IntentID   string                `json:"intent_id"`
	DeliveryID string                `json:"delivery_id"`
	Channel    models.Channel        `json:"channel"`
	Queued     bool                  `json:"queued"`
	Status     models.DeliveryStatus `json:"status"`
	Attempts   int                   `json:"attempts"`
	Error      string                `json:"error,omitempty"`
	InFlight   bool                  `json:"in_flight,omitempty"`
}

type UserDispatchResult struct {
	IntentID   string           `json:"intent_id"`
	Deliveries []DispatchResult `json:"deliveries"`
}

func normalize(template string, priority models.Priority, intentType string) (models.Priority, string) {
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	if intentType == "" {
		intentType = template
	}
	return priority, intentType
}

// DispatchIntentToRecipient delivers one notification on one channel. A
// delivery that is already sent is returned without calling any adapter.
func (d *Dispatcher) DispatchIntentToRecipient(ctx context.Context, req RecipientRequest) (DispatchResult, error) {
	if !req.Channel.Valid() {
		return DispatchResult{}, ErrInvalidChannel
	}
	priority, intentType := normalize(req.Template, req.Priority, req.IntentType)

	key := req.IdempotencyKey
	if key == "" {
		var err error
		key, err = idempotency.BuildKey(map[string]any{
			"intentType": intentType,
			"userId":     req.UserID,
			"template":   req.Template,
			"recipient":  req.Recipient,
		})
		if err != nil {
			return DispatchResult{}, fmt.Errorf("build idempotency key: %w", err)
		}
	}

	intent, err := d.store.FindOrCreateIntent(ctx, &models.NotificationIntent{
		UserID:          req.UserID,
		IdempotencyKey:  key,
		IntentType:      intentType,
		Priority:        priority,
		AllowedChannels: []models.Channel{req.Channel},
		PayloadRef: models.PayloadRef{
			UserID:    req.UserID,
			BookingID: req.BookingID,
			Template:  req.Template,
			Recipient: req.Recipient,
			Data:      req.Data,
		},
	})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("find or create intent: %w", err)
	}

	return d.deliver(ctx, intent, req.Channel, req.Recipient, req.Template, req.Data, priority)
}

// DispatchIntentToUser sends on every channel the user has enabled and can be
// reached on. All channels share one intent; each gets its own delivery.
func (d *Dispatcher) DispatchIntentToUser(ctx context.Context, req UserRequest) (UserDispatchResult, error) {
	priority, intentType := normalize(req.Template, req.Priority, req.IntentType)

	pref, err := d.store.GetPreferences(ctx, req.UserID)
	if err != nil {
		return UserDispatchResult{}, fmt.Errorf("load preferences for %s: %w", req.UserID, err)
	}
	targets := Targets(pref)
	if len(targets) == 0 {
		return UserDispatchResult{}, ErrNoChannels
	}

	key := req.IdempotencyKey
	if key == "" {
		key, err = idempotency.BuildKey(map[string]any{
			"intentType": intentType,
			"userId":     req.UserID,
			"template":   req.Template,
		})
		if err != nil {
			return UserDispatchResult{}, fmt.Errorf("build idempotency key: %w", err)
		}
	}

	allowed := make([]models.Channel, 0, len(targets))
	for _, t := range targets {
		allowed = append(allowed, t.Channel)
	}
	intent, err := d.store.FindOrCreateIntent(ctx, &models.NotificationIntent{
		UserID:          req.UserID,
		IdempotencyKey:  key,
		IntentType:      intentType,
		Priority:        priority,
		AllowedChannels: allowed,
		PayloadRef: models.PayloadRef{
			UserID:    req.UserID,
			BookingID: req.BookingID,
			Template:  req.Template,
			Data:      req.Data,
		},
	})
	if err != nil {
		return UserDispatchResult{}, fmt.Errorf("find or create intent: %w", err)
	}

	out := UserDispatchResult{IntentID: intent.ID}
	var errs []error
	for _, t := range targets {
		result, err := d.deliver(ctx, intent, t.Channel, t.Recipient, req.Template, req.Data, priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Channel, err))
			result = DispatchResult{IntentID: intent.ID, Channel: t.Channel, Error: err.Error()}
		}
		out.Deliveries = append(out.Deliveries, result)
	}
	return out, errors.Join(errs...)
}

type Target struct {
	Channel   models.Channel
	Recipient string
}

// Targets lists the channels pref enables that also have a contact.
func Targets(pref models.NotificationPreference) []Target {
	var out []Target
	if pref.EmailEnabled && pref.Email != "" {
		out = append(out, Target{models.ChannelEmail, pref.Email})
	}
	if pref.SMSEnabled && pref.PhoneNumber != "" {
		out = append(out, Target{models.ChannelSMS, pref.PhoneNumber})
	}
	if pref.PushEnabled {
		out = append(out, Target{models.ChannelPush, pref.UserID})
	}
	return out
}

// Redeliver retries an unsent delivery from what its intent recorded. Intents
// created for a user resolve the recipient from current preferences.
func (d *Dispatcher) Redeliver(ctx context.Context, delivery models.NotificationDelivery) (DispatchResult, error) {
	intent, err := d.store.GetIntent(ctx, delivery.IntentID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("load intent %s: %w", delivery.IntentID, err)
	}

	ref := intent.PayloadRef
	recipient := ref.Recipient
	if recipient == "" {
		pref, err := d.store.GetPreferences(ctx, intent.UserID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("load preferences for %s: %w", intent.UserID, err)
		}
		for _, t := range Targets(pref) {
			if t.Channel == delivery.Channel {
				recipient = t.Recipient
			}
		}
		if recipient == "" {
			return DispatchResult{}, fmt.Errorf("%w: %s for user %s", ErrNoChannels, delivery.Channel, intent.UserID)
		}
	}

	return d.deliver(ctx, intent, delivery.Channel, recipient, ref.Template, ref.Data, intent.Priority)
}

// deliver runs at most once at a time per delivery row. Callers in this process
// share one flight; other processes are kept out by the row's lease.
func (d *Dispatcher) deliver(ctx context.Context, intent *models.NotificationIntent, channel models.Channel, recipient, template string, data map[string]any, priority models.Priority) (DispatchResult, error) {
	delivery, err := d.store.FindOrCreateDelivery(ctx, intent.ID, channel)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("find or create delivery: %w", err)
	}

	v, err, _ := d.inflight.Do(delivery.ID, func() (any, error) {
		// Re-read inside the flight so a send that just finished is seen.
		current, err := d.store.FindOrCreateDelivery(ctx, intent.ID, channel)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("find or create delivery: %w", err)
		}
		return d.attempt(ctx, intent, current, recipient, template, data, priority)
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return v.(DispatchResult), nil
}

func (d *Dispatcher) attempt(ctx context.Context, intent *models.NotificationIntent, delivery *models.NotificationDelivery, recipient, template string, data map[string]any, priority models.Priority) (DispatchResult, error) {
	result := DispatchResult{
		IntentID:   intent.ID,
		DeliveryID: delivery.ID,
		Channel:    delivery.Channel,
		Status:     delivery.Status,
		Attempts:   delivery.AttemptCount,
	}
	if delivery.Status == models.DeliverySent {
		return result, nil
	}

	// Status writes must land even if the caller gives up mid-send.
	writeCtx := context.WithoutCancel(ctx)

	batched := delivery.Channel == models.ChannelPush && priority != models.PriorityHigh && d.queue != nil
	now := d.now().UTC()
	until := now.Add(sendLease + d.retryBudget())
	if batched {
		until = now.Add(sendLease + priority.BatchDelay())
	}
	claimed, err := d.store.ClaimDelivery(writeCtx, delivery.ID, now, until)
	if err != nil {
		return result, fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		d.log.LogNotification("BUSY", delivery.ID, fmt.Sprintf("%s delivery is leased by another worker", delivery.Channel))
		result.InFlight = true
		return result, nil
	}

	if batched {
		item := models.QueuedPush{
			UserID:     recipient,
			IntentID:   intent.ID,
			DeliveryID: delivery.ID,
			Priority:   priority,
			Delay:      priority.BatchDelay(),
			Message:    channels.PushMessage(template, data),
		}
		if err := d.queue.Enqueue(ctx, item); err != nil {
			if uerr := d.store.UpdateDeliveryStatus(writeCtx, delivery.ID, models.DeliveryFailed, delivery.AttemptCount, err.Error()); uerr != nil {
				d.log.Error("DATABASE", fmt.Sprintf("Failed to mark delivery %s failed: %v", delivery.ID, uerr))
			}
			return result, fmt.Errorf("enqueue push: %w", err)
		}
		if err := d.store.UpdateDeliveryStatus(writeCtx, delivery.ID, models.DeliveryQueued, delivery.AttemptCount, ""); err != nil {
			return result, fmt.Errorf("mark delivery queued: %w", err)
		}
		d.log.LogNotification("QUEUED", delivery.ID, fmt.Sprintf("push for %s batched for %s", recipient, item.Delay))
		result.Queued = true
		result.Status = models.DeliveryQueued
		return result, nil
	}

	sender, ok := d.senders[delivery.Channel]
	if !ok {
		if err := d.store.UpdateDeliveryStatus(writeCtx, delivery.ID, models.DeliveryFailed, delivery.AttemptCount, ErrNoAdapter.Error()); err != nil {
			d.log.Error("DATABASE", fmt.Sprintf("Failed to mark delivery %s failed: %v", delivery.ID, err))
		}
		return result, fmt.Errorf("%w: %s", ErrNoAdapter, delivery.Channel)
	}

	attempts, sendErr := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return sender.Send(ctx, recipient, template, data)
	}, func(attempt int, err error, wait time.Duration) {
		d.log.Warn("NOTIFY", fmt.Sprintf("%s delivery %s attempt %d failed, retrying in %s: %v", delivery.Channel, delivery.ID, attempt, wait, err))
	})
	result.Attempts = delivery.AttemptCount + attempts

	if sendErr != nil {
		result.Status = models.DeliveryFailed
		result.Error = sendErr.Error()
		if err := d.store.UpdateDeliveryStatus(writeCtx, delivery.ID, models.DeliveryFailed, result.Attempts, sendErr.Error()); err != nil {
			return result, fmt.Errorf("mark delivery failed: %w", err)
		}
		d.log.Error("NOTIFY", fmt.Sprintf("%s delivery %s failed after %d attempt(s): %v", delivery.Channel, delivery.ID, attempts, sendErr))
		return result, nil
	}

	result.Status = models.DeliverySent
	if err := d.store.UpdateDeliveryStatus(writeCtx, delivery.ID, models.DeliverySent, result.Attempts, ""); err != nil {
		return result, fmt.Errorf("mark delivery sent: %w", err)
	}
	d.log.LogNotification("SENT", delivery.ID, fmt.Sprintf("%s to %s after %d attempt(s)", delivery.Channel, recipient, attempts))
	return result, nil
}

// retryBudget is the longest a full retry sequence can wait between attempts.
func (d *Dispatcher) retryBudget() time.Duration {
	if d.policy.MaxAttempts <= 1 || d.policy.MaxInterval <= 0 {
		return 0
	}
	return time.Duration(d.policy.MaxAttempts-1) * d.policy.MaxInterval
}
