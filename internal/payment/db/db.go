package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-booking/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	ErrNotFound        = errors.New("reservation not found")
	ErrVersionConflict = errors.New("reservation was modified concurrently")
)

// DB persists reservations and their compensation audit trail.
type DB struct {
	Bun *bun.DB
}

// ---------------- RESERVATIONS ----------------

// CreateReservation inserts res at version 1 in phase NO_AUTH unless a phase is set.
func (d *DB) CreateReservation(ctx context.Context, res *models.Reservation) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.PaymentPhase == "" {
		res.PaymentPhase = models.PhaseNoAuth
	}
	res.Version = 1
	res.CreatedAt = time.Now().UTC()
	res.UpdatedAt = res.CreatedAt

	_, err := d.Bun.NewInsert().Model(res).Exec(ctx)
	return err
}

func (d *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := d.Bun.NewSelect().
		Model(&res).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveReservation writes the payment fields of res only if the stored row is
// still at res.Version. On success res.Version is advanced; on a miss
// ErrVersionConflict is returned and res is left untouched.
func (d *DB) SaveReservation(ctx context.Context, res *models.Reservation) error {
	next := *res
	next.Version = res.Version + 1
	next.UpdatedAt = time.Now().UTC()

	result, err := d.Bun.NewUpdate().
		Model(&next).
		Column("booking_id", "payment_phase", "payment_state", "version", "updated_at").
		WherePK().
		Where("version = ?", res.Version).
		Exec(ctx)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	res.Version = next.Version
	res.UpdatedAt = next.UpdatedAt
	return nil
}

// ---------------- COMPENSATION LOGS ----------------

// AppendCompensationLog stores an immutable record of one compensation run.
func (d *DB) AppendCompensationLog(ctx context.Context, reservationID string, result models.CompensationResult) (*models.CompensationLog, error) {
	entry := &models.CompensationLog{
		ID:            uuid.New().String(),
		ReservationID: reservationID,
		Success:       result.Success,
		Actions:       result.Actions,
		Errors:        result.Errors,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := d.Bun.NewInsert().Model(entry).Exec(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DB) ListCompensationLogs(ctx context.Context, reservationID string) ([]models.CompensationLog, error) {
	var logs []models.CompensationLog
	err := d.Bun.NewSelect().
		Model(&logs).
		Where("reservation_id = ?", reservationID).
		Order("created_at ASC").
		Scan(ctx)
	return logs, err
}
