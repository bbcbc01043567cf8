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

var ErrNotFound = errors.New("notification record not found")

// DB is the notification intent store. Uniqueness of intents per idempotency
// key and of deliveries per (intent, channel) is enforced by the schema;
// find-or-create treats a lost insert race as "someone else created it".
type DB struct {
	Bun *bun.DB
}

// ---------------- INTENTS ----------------

// FindOrCreateIntent returns the intent stored under intent.IdempotencyKey,
// inserting intent first if there is none.
func (d *DB) FindOrCreateIntent(ctx context.Context, intent *models.NotificationIntent) (*models.NotificationIntent, error) {
	existing, err := d.intentByKey(ctx, intent.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := *intent
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	_, err = d.Bun.NewInsert().
		Model(&row).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return d.intentByKey(ctx, intent.IdempotencyKey)
}

func (d *DB) intentByKey(ctx context.Context, key string) (*models.NotificationIntent, error) {
	var intent models.NotificationIntent
	err := d.Bun.NewSelect().
		Model(&intent).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (d *DB) GetIntent(ctx context.Context, id string) (*models.NotificationIntent, error) {
	var intent models.NotificationIntent
	err := d.Bun.NewSelect().Model(&intent).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ---------------- DELIVERIES ----------------

// FindOrCreateDelivery returns the single delivery row for (intentID, channel),
// creating it as queued with zero attempts if needed.
func (d *DB) FindOrCreateDelivery(ctx context.Context, intentID string, channel models.Channel) (*models.NotificationDelivery, error) {
	existing, err := d.deliveryFor(ctx, intentID, channel)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	row := &models.NotificationDelivery{
		ID:        uuid.New().String(),
		IntentID:  intentID,
		Channel:   channel,
		Status:    models.DeliveryQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = d.Bun.NewInsert().
		Model(row).
		On("CONFLICT (intent_id, channel) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return d.deliveryFor(ctx, intentID, channel)
}

func (d *DB) deliveryFor(ctx context.Context, intentID string, channel models.Channel) (*models.NotificationDelivery, error) {
	var delivery models.NotificationDelivery
	err := d.Bun.NewSelect().
		Model(&delivery).
		Where("intent_id = ?", intentID).
		Where("channel = ?", channel).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (d *DB) GetDelivery(ctx context.Context, id string) (*models.NotificationDelivery, error) {
	var delivery models.NotificationDelivery
	err := d.Bun.NewSelect().Model(&delivery).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (d *DB) ListDeliveries(ctx context.Context, intentID string) ([]models.NotificationDelivery, error) {
	var deliveries []models.NotificationDelivery
	err := d.Bun.NewSelect().
		Model(&deliveries).
		Where("intent_id = ?", intentID).
		Order("channel ASC").
		Scan(ctx)
	return deliveries, err
}

// UpdateDeliveryStatus records the outcome of an attempt. A delivery that is
// already sent is never changed.
func (d *DB) UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus, attemptCount int, errorMessage string) error {
	now := time.Now().UTC()
	q := d.Bun.NewUpdate().
		Model((*models.NotificationDelivery)(nil)).
		Set("status = ?", status).
		Set("attempt_count = ?", attemptCount).
		Set("error_message = ?", nullString(errorMessage)).
		Set("last_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status <> ?", models.DeliverySent)
	// A queued push keeps its lease until the batch reports back.
	if status != models.DeliveryQueued {
		q = q.Set("leased_until = NULL")
	}
	_, err := q.Exec(ctx)
	return err
}

// ClaimDelivery leases an unsent delivery until the given time. It reports
// false when the delivery is sent or another worker holds an unexpired lease.
func (d *DB) ClaimDelivery(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.NotificationDelivery)(nil)).
		Set("leased_until = ?", until.UTC()).
		Where("id = ?", id).
		Where("status <> ?", models.DeliverySent).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Where("leased_until IS NULL").
				WhereOr("leased_until < ?", now.UTC())
		}).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordBatchAttempt applies one batched push attempt to every listed
// delivery, bumping each attempt_count by one.
func (d *DB) RecordBatchAttempt(ctx context.Context, ids []string, sent bool, errorMessage string) error {
	if len(ids) == 0 {
		return nil
	}
	status := models.DeliverySent
	if !sent {
		status = models.DeliveryFailed
		if errorMessage == "" {
			errorMessage = "push_delivery_failed"
		}
	} else {
		errorMessage = ""
	}

	now := time.Now().UTC()
	_, err := d.Bun.NewUpdate().
		Model((*models.NotificationDelivery)(nil)).
		Set("status = ?", status).
		Set("attempt_count = attempt_count + 1").
		Set("error_message = ?", nullString(errorMessage)).
		Set("last_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Set("leased_until = NULL").
		Where("id IN (?)", bun.In(ids)).
		Where("status <> ?", models.DeliverySent).
		Exec(ctx)
	return err
}

// ListRedrivable returns failed deliveries and queued ones untouched since
// olderThan, oldest first. A reconciliation job re-drives these.
func (d *DB) ListRedrivable(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var deliveries []models.NotificationDelivery
	err := d.Bun.NewSelect().
		Model(&deliveries).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("status = ?", models.DeliveryFailed).
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("status = ?", models.DeliveryQueued).
						Where("updated_at < ?", olderThan.UTC())
				})
		}).
		Order("updated_at ASC").
		Limit(limit).
		Scan(ctx)
	return deliveries, err
}

// ---------------- PREFERENCES ----------------

// GetPreferences falls back to models.DefaultPreference for unknown users.
func (d *DB) GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error) {
	var pref models.NotificationPreference
	err := d.Bun.NewSelect().Model(&pref).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPreference(userID), nil
	}
	if err != nil {
		return models.NotificationPreference{}, err
	}
	return pref, nil
}

func (d *DB) SavePreferences(ctx context.Context, pref *models.NotificationPreference) error {
	pref.UpdatedAt = time.Now().UTC()
	_, err := d.Bun.NewInsert().
		Model(pref).
		On("CONFLICT (user_id) DO UPDATE").
		Set("email_enabled = EXCLUDED.email_enabled").
		Set("sms_enabled = EXCLUDED.sms_enabled").
		Set("push_enabled = EXCLUDED.push_enabled").
		Set("email = EXCLUDED.email").
		Set("phone_number = EXCLUDED.phone_number").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
