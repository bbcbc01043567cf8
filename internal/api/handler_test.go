package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-booking/internal/auth"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/notification"
	"ms-booking/internal/payment"
	"ms-booking/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

type MockReservations struct {
	mock.Mock
}

func (m *MockReservations) CreateReservation(ctx context.Context, res *models.Reservation) error {
	return m.Called(ctx, res).Error(0)
}

func (m *MockReservations) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*models.Reservation)
	return res, args.Error(1)
}

func (m *MockReservations) Authorize(ctx context.Context, id string, role models.PartyRole) (*models.Reservation, models.PaymentOperationResult, error) {
	args := m.Called(ctx, id, role)
	res, _ := args.Get(0).(*models.Reservation)
	return res, args.Get(1).(models.PaymentOperationResult), args.Error(2)
}

func (m *MockReservations) Commit(ctx context.Context, id string) (*models.Reservation, models.CommitResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*models.Reservation)
	return res, args.Get(1).(models.CommitResult), args.Error(2)
}

type MockNotifications struct {
	mock.Mock
}

func (m *MockNotifications) DispatchIntentToRecipient(ctx context.Context, req notification.RecipientRequest) (notification.DispatchResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(notification.DispatchResult), args.Error(1)
}

func (m *MockNotifications) DispatchIntentToUser(ctx context.Context, req notification.UserRequest) (notification.UserDispatchResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(notification.UserDispatchResult), args.Error(1)
}

type stubStore struct {
	olderThan time.Time
	limit     int
	saved     *models.NotificationPreference
}

func (s *stubStore) ListRedrivable(ctx context.Context, olderThan time.Time, limit int) ([]models.NotificationDelivery, error) {
	s.olderThan, s.limit = olderThan, limit
	return []models.NotificationDelivery{{ID: "d1", Status: models.DeliveryFailed}}, nil
}

func (s *stubStore) GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error) {
	return models.DefaultPreference(userID), nil
}

func (s *stubStore) SavePreferences(ctx context.Context, pref *models.NotificationPreference) error {
	s.saved = pref
	return nil
}

type testServer struct {
	router        http.Handler
	reservations  *MockReservations
	notifications *MockNotifications
	store         *stubStore
}

func newTestServer(cfg RouterConfig) *testServer {
	ts := &testServer{
		reservations:  new(MockReservations),
		notifications: new(MockNotifications),
		store:         &stubStore{},
	}
	h := &Handler{
		Reservations:  ts.reservations,
		Notifications: ts.notifications,
		Store:         ts.store,
		Logger:        logger.NewWithWriter(io.Discard),
	}
	ts.router = NewRouter(h, cfg)
	return ts
}

func (ts *testServer) do(method, path, body string) (*httptest.ResponseRecorder, utils.APIResponse) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var resp utils.APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestCreateReservation(t *testing.T) {
	ts := newTestServer(RouterConfig{})
	ts.reservations.On("CreateReservation", mock.Anything, mock.MatchedBy(func(res *models.Reservation) bool {
		return res.ID == "R1" && res.VendorID == "V1"
	})).Return(nil).Once()

	rec, resp := ts.do(http.MethodPost, "/api/reservations", `{"id":"R1","partner_id":"P1","vendor_id":"V1","requester_id":"Q1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)

	rec, resp = ts.do(http.MethodPost, "/api/reservations", `{"id":"R2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	ts.reservations.AssertExpectations(t)
}

func TestReservationErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(RouterConfig{})
	ts.reservations.On("GetReservation", mock.Anything, "missing").Return(nil, payment.ErrNotFound)
	ts.reservations.On("Commit", mock.Anything, "busy").Return(nil, models.CommitResult{}, payment.ErrCommitInProgress)
	ts.reservations.On("Commit", mock.Anything, "done").Return(nil, models.CommitResult{}, payment.ErrReservationSettled)
	ts.reservations.On("Authorize", mock.Anything, "R1", models.PartyRole("broker")).
		Return(nil, models.PaymentOperationResult{}, payment.ErrInvalidRole)

	tests := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/api/reservations/missing", http.StatusNotFound},
		{http.MethodPost, "/api/reservations/busy/commit", http.StatusConflict},
		{http.MethodPost, "/api/reservations/done/commit", http.StatusConflict},
		{http.MethodPost, "/api/reservations/R1/authorize/broker", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, resp := ts.do(tt.method, tt.path, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestCommitReturnsResult(t *testing.T) {
	ts := newTestServer(RouterConfig{})
	res := &models.Reservation{ID: "R1", PaymentPhase: models.PhaseCaptured}
	ts.reservations.On("Commit", mock.Anything, "R1").Return(res, models.CommitResult{
		Success:            true,
		VendorCaptureID:    "ch_v",
		RequesterCaptureID: "ch_r",
	}, nil)

	rec, resp := ts.do(http.MethodPost, "/api/reservations/R1/commit", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Reservation committed", resp.Message)
	assert.Contains(t, rec.Body.String(), `"vendor_capture_id":"ch_v"`)
}

func TestAuthorizeDeclineIsReportedInBody(t *testing.T) {
	ts := newTestServer(RouterConfig{})
	ts.reservations.On("Authorize", mock.Anything, "R1", models.RoleRequester).Return(
		&models.Reservation{ID: "R1"},
		models.PaymentOperationResult{Error: "card declined", ErrorCode: "card_declined"},
		nil,
	)

	rec, resp := ts.do(http.MethodPost, "/api/reservations/R1/authorize/requester", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Authorization failed", resp.Message)
	assert.Contains(t, rec.Body.String(), `"card_declined"`)
}

func TestDispatchEndpoints(t *testing.T) {
	ts := newTestServer(RouterConfig{})
	ts.notifications.On("DispatchIntentToRecipient", mock.Anything, mock.MatchedBy(func(req notification.RecipientRequest) bool {
		return req.Channel == models.ChannelPush && req.Recipient == "U1"
	})).Return(notification.DispatchResult{Queued: true, Status: models.DeliveryQueued}, nil)
	ts.notifications.On("DispatchIntentToUser", mock.Anything, mock.Anything).
		Return(notification.UserDispatchResult{}, notification.ErrNoChannels)

	rec, _ := ts.do(http.MethodPost, "/api/notifications/recipient", `{"channel":"push","recipient":"U1","template":"reminder"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = ts.do(http.MethodPost, "/api/notifications/recipient", `{"channel":"push"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(http.MethodPost, "/api/notifications/user", `{"user_id":"U1","template":"reminder"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRedriveAndPreferences(t *testing.T) {
	ts := newTestServer(RouterConfig{})

	rec, _ := ts.do(http.MethodGet, "/api/notifications/redrive?older_than=10m&limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, ts.store.limit)
	assert.WithinDuration(t, time.Now().Add(-10*time.Minute), ts.store.olderThan, 5*time.Second)

	rec, _ = ts.do(http.MethodGet, "/api/notifications/redrive?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(http.MethodPut, "/api/notifications/preferences/U9", `{"push_enabled":true,"user_id":"spoofed"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.store.saved)
	assert.Equal(t, "U9", ts.store.saved.UserID)
	assert.True(t, ts.store.saved.PushEnabled)
}

func TestRouterRequiresTokenWhenVerifiersConfigured(t *testing.T) {
	ts := newTestServer(RouterConfig{Verifiers: []auth.Verifier{auth.NewHMACVerifier("s3cret", "")}})

	rec, _ := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(http.MethodGet, "/api/reservations/R1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	ts := newTestServer(RouterConfig{Webhook: &StripeWebhook{Secret: secret, Logger: logger.NewWithWriter(io.Discard)}})

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.canceled","data":{"object":{"id":"pi_1","object":"payment_intent","status":"canceled","metadata":{"reservation_id":"R1"}}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
