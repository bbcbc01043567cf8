package models

import "time"

const (
	EventVendorAuthorized    = "reservation.vendor_authorized"
	EventRequesterAuthorized = "reservation.requester_authorized"
	EventCommitted           = "reservation.committed"
	EventCompensated         = "reservation.compensated"
	EventCompensationFailed  = "reservation.compensation_failed"
)

// ReservationLifecycleEvent is published on the lifecycle topic and drives notifications.
type ReservationLifecycleEvent struct {
	EventID       string       `json:"event_id"`
	Type          string       `json:"type"`
	ReservationID string       `json:"reservation_id"`
	BookingID     string       `json:"booking_id,omitempty"`
	VendorID      string       `json:"vendor_id"`
	RequesterID   string       `json:"requester_id"`
	Phase         PaymentPhase `json:"phase"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// AuthorizedEventType maps a role to its authorization event.
func AuthorizedEventType(role PartyRole) string {
	if role == RoleVendor {
		return EventVendorAuthorized
	}
	return EventRequesterAuthorized
}
