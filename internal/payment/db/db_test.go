package db_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ms-booking/internal/models"
	"ms-booking/internal/payment/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	ctx := context.Background()
	_, err = bunDB.NewCreateTable().Model((*models.Reservation)(nil)).Exec(ctx)
	require.NoError(t, err)
	_, err = bunDB.NewCreateTable().Model((*models.CompensationLog)(nil)).Exec(ctx)
	require.NoError(t, err)

	return &db.DB{Bun: bunDB}
}

func TestCreateAndGetReservation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	res := &models.Reservation{ID: "R1", PartnerID: "P1", VendorID: "V1", RequesterID: "Q1"}
	require.NoError(t, store.CreateReservation(ctx, res))
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, models.PhaseNoAuth, res.PaymentPhase)

	got, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "V1", got.VendorID)
	assert.Equal(t, models.PhaseNoAuth, got.PaymentPhase)

	_, err = store.GetReservation(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSaveReservation_CompareAndSwap(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.CreateReservation(ctx, &models.Reservation{ID: "R1", PartnerID: "P1", VendorID: "V1", RequesterID: "Q1"}))

	first, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	stale, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	first.PaymentState.VendorPaymentIntentID = "pi_vendor"
	first.PaymentState.VendorAmount = 500
	first.PaymentState.VendorAuthorizedAt = &now
	first.PaymentPhase = models.PhaseVendorAuthorized
	require.NoError(t, store.SaveReservation(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.PaymentState.RequesterPaymentIntentID = "pi_requester"
	err = store.SaveReservation(ctx, stale)
	assert.ErrorIs(t, err, db.ErrVersionConflict)
	assert.Equal(t, int64(1), stale.Version)

	got, err := store.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.PhaseVendorAuthorized, got.PaymentPhase)
	assert.Equal(t, "pi_vendor", got.PaymentState.VendorPaymentIntentID)
	assert.Empty(t, got.PaymentState.RequesterPaymentIntentID)
	require.NotNil(t, got.PaymentState.VendorAuthorizedAt)
	assert.True(t, now.Equal(*got.PaymentState.VendorAuthorizedAt))
}

func TestCompensationLogsAreAppendOnly(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	amount := int64(500)
	first, err := store.AppendCompensationLog(ctx, "R1", models.CompensationResult{
		Success: false,
		Actions: []models.CompensationAction{
			{Type: models.CompensationCancelCapture, PaymentIntentID: "pi_vendor", Amount: &amount, Result: models.OutcomeFailed, Error: "timeout"},
		},
		Errors: []string{"failed to cancel vendor capture: timeout"},
	})
	require.NoError(t, err)
	_, err = store.AppendCompensationLog(ctx, "R1", models.CompensationResult{Success: true, Actions: []models.CompensationAction{}})
	require.NoError(t, err)

	logs, err := store.ListCompensationLogs(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, first.ID, logs[0].ID)
	require.Len(t, logs[0].Actions, 1)
	assert.Equal(t, int64(500), *logs[0].Actions[0].Amount)
	assert.Equal(t, []string{"failed to cancel vendor capture: timeout"}, logs[0].Errors)

	none, err := store.ListCompensationLogs(ctx, "R2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
