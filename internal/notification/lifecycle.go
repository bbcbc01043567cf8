package notification

import (
	"context"
	"errors"
	"fmt"

	"ms-booking/internal/idempotency"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

type lifecycleRoute struct {
	template string
	priority models.Priority
	vendor   bool
	// requester is notified too
	requester bool
}

var lifecycleRoutes = map[string]lifecycleRoute{
	models.EventVendorAuthorized:    {"payment_authorized", models.PriorityNormal, true, false},
	models.EventRequesterAuthorized: {"payment_authorized", models.PriorityNormal, false, true},
	models.EventCommitted:           {"booking_confirmed", models.PriorityHigh, true, true},
	models.EventCompensated:         {"booking_failed", models.PriorityHigh, true, true},
	models.EventCompensationFailed:  {"booking_under_review", models.PriorityHigh, true, true},
}

type UserDispatcher interface {
	DispatchIntentToUser(ctx context.Context, req UserRequest) (UserDispatchResult, error)
}

// LifecycleNotifier turns reservation lifecycle events into user notifications.
type LifecycleNotifier struct {
	dispatcher UserDispatcher
	log        *logger.Logger
}

func NewLifecycleNotifier(dispatcher UserDispatcher, log *logger.Logger) *LifecycleNotifier {
	return &LifecycleNotifier{dispatcher: dispatcher, log: log}
}

// Handle notifies the parties of event. Keys derive from the event id, so a
// redelivered event never produces a second notification.
func (n *LifecycleNotifier) Handle(ctx context.Context, event models.ReservationLifecycleEvent) error {
	route, ok := lifecycleRoutes[event.Type]
	if !ok {
		n.log.Debug("NOTIFY", fmt.Sprintf("No notification for event type %s", event.Type))
		return nil
	}

	var users []string
	if route.vendor && event.VendorID != "" {
		users = append(users, event.VendorID)
	}
	if route.requester && event.RequesterID != "" {
		users = append(users, event.RequesterID)
	}

	var errs []error
	for _, userID := range users {
		key, err := idempotency.BuildKey(map[string]any{
			"intentType":    route.template,
			"userId":        userID,
			"reservationId": event.ReservationID,
			"bookingId":     event.BookingID,
			"eventId":       event.EventID,
		})
		if err != nil {
			return err
		}

		_, err = n.dispatcher.DispatchIntentToUser(ctx, UserRequest{
			UserID:         userID,
			Template:       route.template,
			Priority:       route.priority,
			IntentType:     route.template,
			IdempotencyKey: key,
			BookingID:      event.BookingID,
			Data: map[string]any{
				"reservation_id": event.ReservationID,
				"booking_id":     event.BookingID,
				"phase":          string(event.Phase),
			},
		})
		if errors.Is(err, ErrNoChannels) {
			n.log.Info("NOTIFY", fmt.Sprintf("User %s has no channel for %s", userID, event.Type))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}
