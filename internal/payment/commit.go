package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/payment/db"
	paymentredis "ms-booking/internal/payment/redis"

	"github.com/google/uuid"
)

var (
	ErrCommitInProgress   = errors.New("another payment operation is in progress for this reservation")
	ErrReservationSettled = errors.New("reservation payment is already settled")
	ErrInvalidRole        = errors.New("role must be vendor or requester")
	ErrNotFound           = db.ErrNotFound
	ErrVersionConflict    = db.ErrVersionConflict
)

type ReservationStore interface {
	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	SaveReservation(ctx context.Context, res *models.Reservation) error
	AppendCompensationLog(ctx context.Context, reservationID string, result models.CompensationResult) (*models.CompensationLog, error)
}

// Claimer hands out the single-writer claim for a reservation.
type Claimer interface {
	Claim(ctx context.Context, reservationID string) (func(context.Context) error, error)
}

type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event models.ReservationLifecycleEvent) error
}

// Coordinator is the persistence layer around the Orchestrator. Every write
// to a reservation happens under its claim and is saved with a version check,
// so two commits for one reservation can never run at the same time.
type Coordinator struct {
	orch      *Orchestrator
	store     ReservationStore
	claims    Claimer
	publisher EventPublisher
	log       *logger.Logger
}

func NewCoordinator(orch *Orchestrator, store ReservationStore, claims Claimer, publisher EventPublisher, log *logger.Logger) *Coordinator {
	return &Coordinator{orch: orch, store: store, claims: claims, publisher: publisher, log: log}
}

func (c *Coordinator) CreateReservation(ctx context.Context, res *models.Reservation) error {
	res.PaymentPhase = models.PhaseNoAuth
	res.PaymentState = models.PaymentState{Currency: c.orch.Currency()}
	if err := c.store.CreateReservation(ctx, res); err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	c.log.LogPayment("CREATE", res.ID, "reservation created")
	return nil
}

func (c *Coordinator) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return c.store.GetReservation(ctx, id)
}

func (c *Coordinator) claim(ctx context.Context, id string) (func(), error) {
	release, err := c.claims.Claim(ctx, id)
	if errors.Is(err, paymentredis.ErrClaimHeld) {
		c.log.Info("REDIS", fmt.Sprintf("Reservation %s is busy: %v", id, err))
		return nil, ErrCommitInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("claim reservation %s: %w", id, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("REDIS", fmt.Sprintf("Failed to release claim for %s: %v", id, err))
		}
	}, nil
}

// Authorize places role's hold on the reservation. An existing hold is
// returned unchanged; a failed attempt still advances the attempt counter so
// the next call uses a fresh idempotency key.
func (c *Coordinator) Authorize(ctx context.Context, id string, role models.PartyRole) (*models.Reservation, models.PaymentOperationResult, error) {
	if !role.Valid() {
		return nil, models.PaymentOperationResult{}, ErrInvalidRole
	}

	release, err := c.claim(ctx, id)
	if err != nil {
		return nil, models.PaymentOperationResult{}, err
	}
	defer release()

	res, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, models.PaymentOperationResult{}, err
	}
	if res.PaymentPhase.Terminal() || res.PaymentPhase == models.PhaseCommitAttempted {
		return res, models.PaymentOperationResult{}, ErrReservationSettled
	}
	if existing := res.PaymentState.IntentID(role); existing != "" {
		return res, models.PaymentOperationResult{Success: true, PaymentIntentID: existing}, nil
	}

	state := &res.PaymentState
	attempts := &state.RequesterAuthAttempts
	if role == models.RoleVendor {
		attempts = &state.VendorAuthAttempts
	}
	*attempts++

	result := c.orch.Authorize(ctx, res, role, *attempts)
	if result.Success {
		now := time.Now().UTC()
		amount := c.orch.Amount(role)
		if role == models.RoleVendor {
			state.VendorPaymentIntentID = result.PaymentIntentID
			state.VendorAmount = amount
			state.VendorAuthorizedAt = &now
		} else {
			state.RequesterPaymentIntentID = result.PaymentIntentID
			state.RequesterAmount = amount
			state.RequesterAuthorizedAt = &now
		}
		if state.Currency == "" {
			state.Currency = c.orch.Currency()
		}
		res.PaymentPhase = state.DerivePhase()
	}

	if err := c.store.SaveReservation(ctx, res); err != nil {
		if result.Success {
			c.log.Alert("PAYMENT", fmt.Sprintf("reservation %s: %s hold %s placed but not recorded: %v", id, role, result.PaymentIntentID, err))
		}
		return res, result, err
	}

	if result.Success {
		c.publish(ctx, res, models.AuthorizedEventType(role))
	}
	return res, result, nil
}

// Commit captures both holds of a reservation exactly once. A reservation
// that is already CAPTURED returns the stored capture ids.
func (c *Coordinator) Commit(ctx context.Context, id string) (*models.Reservation, models.CommitResult, error) {
	release, err := c.claim(ctx, id)
	if err != nil {
		return nil, models.CommitResult{}, err
	}
	defer release()

	res, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, models.CommitResult{}, err
	}

	switch res.PaymentPhase {
	case models.PhaseCaptured:
		return res, models.CommitResult{
			Success:            true,
			VendorCaptureID:    res.PaymentState.VendorCaptureID,
			RequesterCaptureID: res.PaymentState.RequesterCaptureID,
		}, nil
	case models.PhaseCompensated, models.PhaseCompensationFailed:
		return res, models.CommitResult{}, ErrReservationSettled
	}

	if !res.PaymentState.BothAuthorized() {
		return res, c.orch.AtomicCommit(ctx, res), nil
	}

	res.PaymentPhase = models.PhaseCommitAttempted
	if err := c.store.SaveReservation(ctx, res); err != nil {
		return res, models.CommitResult{}, err
	}
	c.log.Info("COMMIT", fmt.Sprintf("Committing reservation %s", id))

	result := c.orch.AtomicCommit(ctx, res)

	eventType := models.EventCommitted
	switch {
	case result.Success:
		res.PaymentPhase = models.PhaseCaptured
	case result.Compensation != nil && result.Compensation.Success:
		res.PaymentPhase = models.PhaseCompensated
		eventType = models.EventCompensated
	default:
		res.PaymentPhase = models.PhaseCompensationFailed
		eventType = models.EventCompensationFailed
	}

	if err := c.store.SaveReservation(ctx, res); err != nil {
		c.log.Alert("COMMIT", fmt.Sprintf("reservation %s reached %s but the outcome was not saved: %v", id, res.PaymentPhase, err))
		return res, result, err
	}

	if result.Compensation != nil {
		if _, err := c.store.AppendCompensationLog(ctx, id, *result.Compensation); err != nil {
			c.log.Error("DATABASE", fmt.Sprintf("Failed to append compensation log for %s: %v", id, err))
		}
	}
	if res.PaymentPhase == models.PhaseCompensationFailed && result.Compensation != nil {
		c.log.Alert("COMPENSATE", fmt.Sprintf("reservation %s needs operator review: %v", id, result.Compensation.Errors))
	}

	c.publish(ctx, res, eventType)
	return res, result, nil
}

func (c *Coordinator) publish(ctx context.Context, res *models.Reservation, eventType string) {
	if c.publisher == nil {
		return
	}
	event := models.ReservationLifecycleEvent{
		EventID:       uuid.New().String(),
		Type:          eventType,
		ReservationID: res.ID,
		BookingID:     res.BookingID,
		VendorID:      res.VendorID,
		RequesterID:   res.RequesterID,
		Phase:         res.PaymentPhase,
		OccurredAt:    time.Now().UTC(),
	}
	if err := c.publisher.PublishLifecycle(ctx, event); err != nil {
		c.log.Warn("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", eventType, res.ID, err))
	}
}
