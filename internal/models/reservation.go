package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PartyRole identifies which side of a reservation a payment belongs to.
type PartyRole string

const (
	RoleVendor    PartyRole = "vendor"
	RoleRequester PartyRole = "requester"
)

func (r PartyRole) Valid() bool {
	return r == RoleVendor || r == RoleRequester
}

// PaymentPhase is the per-reservation payment state machine.
type PaymentPhase string

const (
	PhaseNoAuth              PaymentPhase = "NO_AUTH"
	PhaseVendorAuthorized    PaymentPhase = "VENDOR_AUTHORIZED"
	PhaseRequesterAuthorized PaymentPhase = "REQUESTER_AUTHORIZED"
	PhaseBothAuthorized      PaymentPhase = "BOTH_AUTHORIZED"
	PhaseCommitAttempted     PaymentPhase = "COMMIT_ATTEMPTED"
	PhaseCaptured            PaymentPhase = "CAPTURED"
	PhaseCompensated         PaymentPhase = "COMPENSATED"
	PhaseCompensationFailed  PaymentPhase = "COMPENSATION_FAILED"
)

// Terminal reports whether no further payment operation may run.
func (p PaymentPhase) Terminal() bool {
	switch p {
	case PhaseCaptured, PhaseCompensated, PhaseCompensationFailed:
		return true
	}
	return false
}

type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID           string       `bun:"id,pk" json:"id"`
	PartnerID    string       `bun:"partner_id,notnull" json:"partner_id"`
	VendorID     string       `bun:"vendor_id,notnull" json:"vendor_id"`
	RequesterID  string       `bun:"requester_id,notnull" json:"requester_id"`
	BookingID    string       `bun:"booking_id,nullzero" json:"booking_id,omitempty"`
	PaymentPhase PaymentPhase `bun:"payment_phase,notnull" json:"payment_phase"`
	PaymentState PaymentState `bun:"payment_state,type:jsonb" json:"payment_state"`
	Version      int64        `bun:"version,notnull" json:"version"`
	CreatedAt    time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time    `bun:"updated_at,nullzero" json:"updated_at"`
}

// PaymentState tracks the dual authorization of a reservation. Attempt
// counters only ever grow; each value maps to one external idempotency key.
type PaymentState struct {
	VendorPaymentIntentID     string     `json:"vendor_payment_intent_id,omitempty"`
	VendorAmount              int64      `json:"vendor_amount"`
	VendorAuthAttempts        int        `json:"vendor_auth_attempts"`
	VendorAuthorizedAt        *time.Time `json:"vendor_authorized_at,omitempty"`
	VendorCaptureAttempts     int        `json:"vendor_capture_attempts"`
	VendorCaptureID           string     `json:"vendor_capture_id,omitempty"`
	VendorLastCaptureError    string     `json:"vendor_last_capture_error,omitempty"`
	RequesterPaymentIntentID  string     `json:"requester_payment_intent_id,omitempty"`
	RequesterAmount           int64      `json:"requester_amount"`
	RequesterAuthAttempts     int        `json:"requester_auth_attempts"`
	RequesterAuthorizedAt     *time.Time `json:"requester_authorized_at,omitempty"`
	RequesterCaptureAttempts  int        `json:"requester_capture_attempts"`
	RequesterCaptureID        string     `json:"requester_capture_id,omitempty"`
	RequesterLastCaptureError string     `json:"requester_last_capture_error,omitempty"`
	Currency                  string     `json:"currency,omitempty"`
}

// IntentID returns the authorization held for role, or "".
func (s PaymentState) IntentID(role PartyRole) string {
	if role == RoleVendor {
		return s.VendorPaymentIntentID
	}
	return s.RequesterPaymentIntentID
}

// BothAuthorized is the capture precondition.
func (s PaymentState) BothAuthorized() bool {
	return s.VendorPaymentIntentID != "" && s.RequesterPaymentIntentID != ""
}

// DerivePhase returns the pre-commit phase implied by the held authorizations.
func (s PaymentState) DerivePhase() PaymentPhase {
	switch {
	case s.BothAuthorized():
		return PhaseBothAuthorized
	case s.VendorPaymentIntentID != "":
		return PhaseVendorAuthorized
	case s.RequesterPaymentIntentID != "":
		return PhaseRequesterAuthorized
	default:
		return PhaseNoAuth
	}
}

// PaymentOperationResult is the outcome of one authorize or capture call.
type PaymentOperationResult struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	Retryable       bool   `json:"retryable"`
}

type CompensationType string

const (
	CompensationCancelCapture CompensationType = "cancel_capture"
	CompensationReleaseAuth   CompensationType = "release_auth"
)

type CompensationOutcome string

const (
	OutcomeSuccess CompensationOutcome = "success"
	OutcomeFailed  CompensationOutcome = "failed"
)

type CompensationAction struct {
	Type            CompensationType    `json:"type"`
	PaymentIntentID string              `json:"payment_intent_id"`
	Amount          *int64              `json:"amount,omitempty"`
	Result          CompensationOutcome `json:"result"`
	Error           string              `json:"error,omitempty"`
}

// CompensationResult is false whenever any reversal failed; such results
// need an operator because funds may be stuck.
type CompensationResult struct {
	Success bool                 `json:"success"`
	Actions []CompensationAction `json:"actions"`
	Errors  []string             `json:"errors,omitempty"`
}

type CommitResult struct {
	Success            bool                `json:"success"`
	VendorCaptureID    string              `json:"vendor_capture_id,omitempty"`
	RequesterCaptureID string              `json:"requester_capture_id,omitempty"`
	Compensation       *CompensationResult `json:"compensation,omitempty"`
}

// CompensationLog is the append-only audit row written after a failed commit.
type CompensationLog struct {
	bun.BaseModel `bun:"table:compensation_logs"`

	ID            string               `bun:"id,pk" json:"id"`
	ReservationID string               `bun:"reservation_id,notnull" json:"reservation_id"`
	Success       bool                 `bun:"success,notnull" json:"success"`
	Actions       []CompensationAction `bun:"actions,type:jsonb" json:"actions"`
	Errors        []string             `bun:"errors,type:jsonb" json:"errors,omitempty"`
	CreatedAt     time.Time            `bun:"created_at,notnull" json:"created_at"`
}
