package migrations_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"time"

	"ms-booking/internal/database/migrations"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	notificationdb "ms-booking/internal/notification/db"
	paymentdb "ms-booking/internal/payment/db"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := migrations.Source()
	require.NoError(t, err)
	defer src.Close()

	var versions []uint
	version, err := src.First()
	for err == nil {
		versions = append(versions, version)

		up, _, upErr := src.ReadUp(version)
		require.NoError(t, upErr, "up migration for %d", version)
		up.Close()
		down, _, downErr := src.ReadDown(version)
		require.NoError(t, downErr, "down migration for %d", version)
		down.Close()

		version, err = src.Next(version)
	}
	require.True(t, errors.Is(err, fs.ErrNotExist), "unexpected source error: %v", err)
	assert.Equal(t, []uint{1, 2, 3}, versions)
}

func TestSchemaDeclaresDeliveryUniqueness(t *testing.T) {
	src, err := migrations.Source()
	require.NoError(t, err)
	defer src.Close()

	r, _, err := src.ReadUp(2)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)

	sqlText := string(body)
	assert.Contains(t, sqlText, "idempotency_key  TEXT NOT NULL UNIQUE")
	assert.Contains(t, sqlText, "UNIQUE (intent_id, channel)")
	assert.True(t, strings.Contains(sqlText, "notification_preferences"))
}

// TestMigrationsAgainstPostgres applies the schema to a real PostgreSQL and
// runs the conflict-handling store paths that SQLite cannot fully cover.
func TestMigrationsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "booking",
				"POSTGRES_PASSWORD": "booking",
				"POSTGRES_DB":       "booking",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	sqldb, err := sql.Open("postgres", "postgres://booking:booking@"+host+":"+port.Port()+"/booking?sslmode=disable")
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, logger.NewWithWriter(io.Discard))
	require.NoError(t, runner.MigrateUp())
	require.NoError(t, runner.MigrateUp())

	notifications := &notificationdb.DB{Bun: bunDB}
	intent, err := notifications.FindOrCreateIntent(ctx, &models.NotificationIntent{
		IdempotencyKey:  "pg-key",
		IntentType:      "booking_confirmed",
		Priority:        models.PriorityHigh,
		AllowedChannels: []models.Channel{models.ChannelEmail},
	})
	require.NoError(t, err)
	again, err := notifications.FindOrCreateIntent(ctx, &models.NotificationIntent{
		IdempotencyKey:  "pg-key",
		IntentType:      "booking_confirmed",
		Priority:        models.PriorityHigh,
		AllowedChannels: []models.Channel{models.ChannelEmail},
	})
	require.NoError(t, err)
	assert.Equal(t, intent.ID, again.ID)

	first, err := notifications.FindOrCreateDelivery(ctx, intent.ID, models.ChannelEmail)
	require.NoError(t, err)
	second, err := notifications.FindOrCreateDelivery(ctx, intent.ID, models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	now := time.Now().UTC()
	claimed, err := notifications.ClaimDelivery(ctx, first.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = notifications.ClaimDelivery(ctx, first.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	payments := &paymentdb.DB{Bun: bunDB}
	res := &models.Reservation{ID: "R-pg", PartnerID: "P1", VendorID: "V1", RequesterID: "Q1"}
	require.NoError(t, payments.CreateReservation(ctx, res))
	stale := *res
	res.PaymentPhase = models.PhaseVendorAuthorized
	require.NoError(t, payments.SaveReservation(ctx, res))
	assert.ErrorIs(t, payments.SaveReservation(ctx, &stale), paymentdb.ErrVersionConflict)

	require.NoError(t, runner.MigrateDown())
	require.NoError(t, runner.Close())
}
